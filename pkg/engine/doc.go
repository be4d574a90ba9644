// Package engine implements the per-request token refresh cycle.
//
// Architecture:
//
// mutator.go - Mutator: filter, detect, refresh and rewrite for one message
// cookies.go - session cookie extraction from raw requests
//
// Each observed message moves through four states. Filter drops responses and
// requests from tools that are not in scope. Detect runs the insertion pattern
// against the request text. Refresh asks the fetcher for a fresh token. Rewrite
// substitutes the token into capture group 1 of the first match. Every failure
// ends in pass-through of the original bytes; nothing here can stop the host's
// dispatch pipeline.
package engine
