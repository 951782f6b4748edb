// Package redis stores conversation checkpoints in Redis with native key
// expiry and provides a token-based distributed lock so that only one
// replica runs a turn for a conversation at a time.
package redis
