// Package llm defines the provider-neutral chat contract used by the turn
// orchestrator and the query decomposer: a growing message list plus tool
// specifications in, free text or structured tool calls out. Provider
// adapters live in sub-packages.
package llm
