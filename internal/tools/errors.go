package tools

import xerrors "ShopAssist/internal/errors"

const (
	CodeToolNotFound      xerrors.Code = "TOOL_NOT_FOUND"
	CodeSchemaViolation   xerrors.Code = "TOOL_SCHEMA_VIOLATION"
	CodeExecutionFailed   xerrors.Code = "TOOL_EXECUTION_FAILED"
	CodeDuplicateToolName xerrors.Code = "TOOL_DUPLICATE_NAME"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "tool not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSchemaViolation, xerrors.Attributes{
		Message:  "tool arguments do not match schema",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "tool execution failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDuplicateToolName, xerrors.Attributes{
		Message:  "duplicate tool name",
		Severity: xerrors.SeverityCritical,
	})
}
