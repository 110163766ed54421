// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// Providers wrap a real-time transcription service (Soniox, Deepgram) whose
// native API is callback or message driven, and expose it as a single ordered
// stream of typed [Event] values. Consumers see one EventStarted, any number
// of EventTokens batches, and exactly one terminal EventFinished or
// EventError, after which the channel is closed. This lets the transcript
// reconciliation code be written and tested as a plain function of an event
// sequence, independent of any SDK calling convention.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Finish after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition options for a new
// streaming session.
type StreamConfig struct {
	// APIKey authenticates the session. For browser-style deployments this is
	// a short-lived key obtained from a credential endpoint. When empty the
	// provider falls back to the key it was constructed with.
	APIKey string

	// Endpoint overrides the provider's WebSocket URL. Empty uses the default.
	Endpoint string

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono).
	Channels int

	// LanguageHints lists expected BCP-47 language codes, most likely first.
	LanguageHints []string

	// Diarization enables speaker attribution on tokens.
	Diarization bool
}

// SessionHandle represents an open streaming session.
//
// Events must be drained until closed. All methods are safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM matching the
	// StreamConfig. Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Events returns the ordered result stream. It is closed after the
	// terminal event, or after Close.
	Events() <-chan Event

	// Finish signals the end of audio. The provider flushes remaining results
	// and then emits EventFinished. Calling Finish more than once is safe.
	Finish() error

	// Close tears the session down immediately without waiting for pending
	// results. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream dials the remote service and sends the session
	// configuration. The returned handle emits EventStarted once the remote
	// side is ready.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
