// Package audio defines the capture abstractions and PCM helpers used by the
// lessonscribe recording pipeline.
//
// The two capture abstractions are:
//
//   - [Source]: one acquired capture track (a microphone, or the audio leg of
//     a display capture) delivering [AudioFrame] values until stopped.
//   - [Devices]: acquires sources with the requested constraints. Acquisition
//     may block on a permission prompt and honours ctx.
//
// Implementations live in adapter packages (audio/ffmpeg) and in audio/mock
// for tests.
package audio

import "context"

// MicConstraints controls the processing applied to a microphone capture.
type MicConstraints struct {
	// Format is the requested output format of the source.
	Format Format

	// EchoCancellation enables acoustic echo cancellation.
	EchoCancellation bool

	// NoiseSuppression enables background noise suppression.
	NoiseSuppression bool

	// AutoGainControl enables automatic level normalisation.
	AutoGainControl bool
}

// VoiceConstraints returns the constraints used for lesson recording: echo
// cancellation off so loopback audio is not cancelled out of the mic leg,
// noise suppression and auto gain on for voice clarity.
func VoiceConstraints(f Format) MicConstraints {
	return MicConstraints{
		Format:           f,
		EchoCancellation: false,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// DisplayConstraints controls a display capture whose only consumed leg is
// system audio.
type DisplayConstraints struct {
	// Format is the requested output format of the audio leg.
	Format Format

	// SystemAudio asks the platform to include system audio in the capture.
	SystemAudio bool
}

// Source is one acquired capture track.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Frames returns the channel of captured frames. It is closed when the
	// source stops, whether via Stop or because the device went away.
	Frames() <-chan AudioFrame

	// Stop releases the device. It is safe to call more than once.
	Stop() error
}

// DisplaySource is the audio leg of a display capture. The display grant
// underpins system-audio access, so losing it ends the source.
type DisplaySource interface {
	Source

	// VideoEnded is closed when the accompanying video track ends outside the
	// application's control (e.g. the user revoked screen sharing).
	VideoEnded() <-chan struct{}
}

// Devices acquires capture sources.
//
// Implementations must be safe for concurrent use.
type Devices interface {
	// OpenMicrophone acquires the default microphone.
	OpenMicrophone(ctx context.Context, c MicConstraints) (Source, error)

	// OpenDisplay acquires a display capture including system audio.
	OpenDisplay(ctx context.Context, c DisplayConstraints) (DisplaySource, error)
}
