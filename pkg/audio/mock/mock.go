// Package mock provides in-memory mock implementations of the
// [audio.Devices], [audio.Source] and [audio.DisplaySource] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewSource()
//	devices := &mock.Devices{Mic: mic}
//	src, err := devices.OpenMicrophone(ctx, audio.VoiceConstraints(format))
//	mic.Push(audio.AudioFrame{...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lessonscribe/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] and [audio.DisplaySource].
type Source struct {
	mu sync.Mutex

	frames     chan audio.AudioFrame
	videoEnded chan struct{}
	stopped    bool
	videoDone  bool

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// NewSource returns a Source with a buffered frame channel.
func NewSource() *Source {
	return &Source{
		frames:     make(chan audio.AudioFrame, 64),
		videoEnded: make(chan struct{}),
	}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.AudioFrame { return s.frames }

// VideoEnded implements [audio.DisplaySource].
func (s *Source) VideoEnded() <-chan struct{} { return s.videoEnded }

// Push delivers a frame to the consumer. Pushing after Stop is a no-op.
func (s *Source) Push(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.frames <- f
}

// EndVideo simulates the user revoking the display capture.
func (s *Source) EndVideo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.videoDone {
		s.videoDone = true
		close(s.videoEnded)
	}
}

// Stop implements [audio.Source]. It closes the frame channel once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if !s.stopped {
		s.stopped = true
		close(s.frames)
	}
	return s.StopError
}

// Stopped reports whether Stop has been called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

var (
	_ audio.Source        = (*Source)(nil)
	_ audio.DisplaySource = (*Source)(nil)
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.Devices].
type Devices struct {
	mu sync.Mutex

	// Mic is returned by OpenMicrophone. If nil or already stopped, a fresh
	// Source is created.
	Mic *Source

	// Display is returned by OpenDisplay. If nil or already stopped, a fresh
	// Source is created.
	Display *Source

	// MicError is returned by OpenMicrophone when non-nil.
	MicError error

	// DisplayError is returned by OpenDisplay when non-nil.
	DisplayError error

	// MicBlock, if non-nil, makes OpenMicrophone wait until it is closed or
	// ctx is done, emulating a pending permission prompt.
	MicBlock chan struct{}

	// MicCalls records the constraints of every OpenMicrophone call.
	MicCalls []audio.MicConstraints

	// DisplayCalls records the constraints of every OpenDisplay call.
	DisplayCalls []audio.DisplayConstraints
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(ctx context.Context, c audio.MicConstraints) (audio.Source, error) {
	d.mu.Lock()
	d.MicCalls = append(d.MicCalls, c)
	block := d.MicBlock
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MicError != nil {
		return nil, d.MicError
	}
	if d.Mic == nil || d.Mic.Stopped() {
		d.Mic = NewSource()
	}
	return d.Mic, nil
}

// OpenDisplay implements [audio.Devices].
func (d *Devices) OpenDisplay(_ context.Context, c audio.DisplayConstraints) (audio.DisplaySource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DisplayCalls = append(d.DisplayCalls, c)
	if d.DisplayError != nil {
		return nil, d.DisplayError
	}
	if d.Display == nil || d.Display.Stopped() {
		d.Display = NewSource()
	}
	return d.Display, nil
}

// MicSource returns the microphone source handed out so far, or nil.
func (d *Devices) MicSource() *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Mic
}

// DisplaySource returns the display source handed out so far, or nil.
func (d *Devices) DisplaySource() *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Display
}

var _ audio.Devices = (*Devices)(nil)
