// Package conversation holds the orchestrator's per-conversation state: the
// append-only message trace, the pending confirmation slot, the payload
// extracted from the last finished turn, and the checkpoint that persists
// all of it between turns. Stores serialise the full state, so a turn
// suspended for confirmation can be resumed by a different process.
package conversation
