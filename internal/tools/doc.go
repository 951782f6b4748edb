// Package tools is the registry of invocable capabilities and the dispatcher
// that runs them. Every tool is a tagged variant with an explicit input
// schema; arguments are validated before the handler runs and every failure
// comes back as an error-bearing ToolResult rather than a fault, so the model
// can see it and adapt on its next round-trip. Dispatch is idempotent on the
// call id.
package tools
