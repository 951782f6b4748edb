// Package outbox queues outbound product emails and delivers them with a
// worker pool. Messages are keyed by an idempotency id derived from the tool
// call that requested them, so a replayed call never sends twice.
package outbox

import (
	xerrors "ShopAssist/internal/errors"
)

// Status 表示邮件在投递生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message 是一封待投递的邮件。
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	HTML           string `json:"html"`
	Status         Status `json:"status"`
	Attempts       int    `json:"attempts"`
	MaxRetries     int    `json:"max_retries"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Request 是提交邮件的参数，ID 为幂等键。
type Request struct {
	ID             string
	ConversationID string
	To             string
	Subject        string
	HTML           string
}

var (
	// ErrMessageNotFound 表示指定的邮件不存在。
	ErrMessageNotFound = xerrors.New(CodeMessageNotFound, "message not found")
	// ErrMessageConflict 表示邮件在当前状态下无法进行所请求的操作。
	ErrMessageConflict = xerrors.New(CodeMessageConflict, "message conflict")
	// ErrMessageDelivered 表示邮件已经投递成功。
	ErrMessageDelivered = xerrors.New(CodeMessageDelivered, "message already delivered")
	// ErrMessageExhausted 表示重试次数已经耗尽。
	ErrMessageExhausted = xerrors.New(CodeMessageExhausted, "message retries exhausted")
)

const (
	CodeMessageNotFound   xerrors.Code = "OUTBOX_MESSAGE_NOT_FOUND"
	CodeMessageConflict   xerrors.Code = "OUTBOX_MESSAGE_CONFLICT"
	CodeMessageDelivered  xerrors.Code = "OUTBOX_MESSAGE_DELIVERED"
	CodeMessageExhausted  xerrors.Code = "OUTBOX_RETRIES_EXHAUSTED"
	CodeMessageValidation xerrors.Code = "OUTBOX_VALIDATION_FAILED"
	CodeMessagePublish    xerrors.Code = "OUTBOX_PUBLISH_FAILED"
	CodeDeliveryFailed    xerrors.Code = "OUTBOX_DELIVERY_FAILED"
)

func init() {
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{
		Message:  "message not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMessageConflict, xerrors.Attributes{
		Message:  "message conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeMessageDelivered, xerrors.Attributes{
		Message:  "message already delivered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMessageExhausted, xerrors.Attributes{
		Message:  "message retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeMessageValidation, xerrors.Attributes{
		Message:  "message validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMessagePublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDeliveryFailed, xerrors.Attributes{
		Message:   "email delivery failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

func cloneMessage(m *Message) *Message {
	clone := *m
	return &clone
}
