// Package transcript turns the token batches of a streaming speech-to-text
// session into speaker-attributed segments.
//
// Three pieces cooperate, all owned by one session at a time:
//
//   - [IsDisplayable] drops control tokens and whitespace.
//   - [Resolver] maps the session-unstable speaker tags to stable
//     "Speaker N" labels in first-seen order.
//   - [Accumulator] folds final tokens into an append-only segment list and
//     rebuilds the live view from scratch on every batch.
//
// None of the types in this package are safe for concurrent use; the session
// controller drives them from a single goroutine.
package transcript

import (
	"regexp"
	"strings"
)

// bracketTag matches stream markers such as "<end>" or "<fin>".
var bracketTag = regexp.MustCompile(`^<[^>]*>$`)

// IsDisplayable reports whether a token's text belongs in a transcript.
func IsDisplayable(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.EqualFold(t, "end") || strings.EqualFold(t, "endpoint") {
		return false
	}
	return !bracketTag.MatchString(t)
}
