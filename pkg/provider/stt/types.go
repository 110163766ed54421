package stt

import (
	"fmt"
	"time"
)

// Token is one fragment of recognised speech as delivered by a streaming STT
// provider. Tokens arrive in batches; a batch may mix final and non-final
// tokens.
type Token struct {
	// Text is the speech fragment. Providers include their own spacing, so
	// consumers concatenate tokens without adding separators.
	Text string

	// IsFinal reports whether the provider has committed to this token. Final
	// tokens are never revised; non-final tokens may be replaced by the next
	// batch.
	IsFinal bool

	// Speaker is the provider's raw speaker tag. It is opaque and not stable
	// across sessions. An empty value means the provider did not attribute the
	// token to anyone.
	Speaker string

	// Start and End locate the token in the audio stream, relative to session
	// start. Both are zero when the provider does not report timing.
	Start time.Duration
	End   time.Duration

	// Confidence is the recognition confidence (0.0–1.0), or zero if unknown.
	Confidence float64

	// Language is the detected language code, if the provider reports one.
	Language string
}

// HasTiming reports whether the token carries audio timing information.
func (t Token) HasTiming() bool {
	return t.End > 0
}

// EventKind classifies events emitted on [SessionHandle.Events].
type EventKind int

const (
	// EventStarted is emitted once, when the remote session has accepted the
	// configuration and is ready for audio.
	EventStarted EventKind = iota

	// EventTokens carries one token batch.
	EventTokens

	// EventFinished is emitted when the provider has flushed all results after
	// the end of audio. No events follow it.
	EventFinished

	// EventError reports a terminal remote failure. No events follow it.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTokens:
		return "tokens"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single item of the provider's result stream.
type Event struct {
	Kind EventKind

	// Tokens is set for EventTokens.
	Tokens []Token

	// Err is set for EventError. Providers use *RemoteError when the failure
	// was reported by the remote service.
	Err error
}

// RemoteError is a failure reported by the remote transcription service.
type RemoteError struct {
	// Code is the provider's status code (HTTP-like for Soniox, WebSocket close
	// code for Deepgram). Zero when the provider sends none.
	Code int

	// Message is the provider's human-readable description.
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Code == 0 {
		return "stt: remote error: " + e.Message
	}
	return fmt.Sprintf("stt: remote error %d: %s", e.Code, e.Message)
}
