// Package agent contains the turn orchestrator. A turn appends the user's
// utterance, lets the language model pick tools, dispatches them through the
// registry and loops until the model answers in plain text, an irreversible
// action needs the customer's confirmation, or a safety valve trips. Turns
// for one conversation are serialised; different conversations run in
// parallel.
package agent
