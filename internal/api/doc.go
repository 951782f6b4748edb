// Package api exposes the conversation engine over HTTP: chat turns,
// confirmation decisions and a read-only conversation view, plus health and
// Prometheus endpoints.
package api
