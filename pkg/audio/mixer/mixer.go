// Package mixer combines a microphone capture and an optional system-audio
// capture into the single PCM stream sent to the transcription service.
//
// Each leg runs through its own gain stage into a shared mix bus. The
// microphone is the clock: every microphone frame pulls the same number of
// samples from the system-audio backlog (zero-padded when the backlog runs
// dry), the two legs are summed and saturated to 16-bit, and the result is
// emitted on the [Stream].
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lessonscribe/pkg/audio"
)

const (
	// DefaultSampleRate is the output sample rate when none is configured.
	DefaultSampleRate = 16000

	// defaultMaxBacklog bounds how much system audio is buffered ahead of the
	// microphone clock before the oldest samples are dropped.
	defaultMaxBacklog = time.Second

	// outputBuffer is the capacity of the mixed frame channel.
	outputBuffer = 32
)

// ErrStopped is returned by [Mixer.Start] after the mixer has been stopped.
// A mixer serves exactly one recording attempt.
var ErrStopped = errors.New("mixer: stopped")

// ErrAlreadyStarted is returned by a second call to [Mixer.Start].
var ErrAlreadyStarted = errors.New("mixer: already started")

// MicrophoneAccessError reports that the microphone could not be acquired.
// Without a microphone no mixed stream is possible, so it is always fatal.
type MicrophoneAccessError struct {
	Err error
}

func (e *MicrophoneAccessError) Error() string {
	return "mixer: microphone access: " + e.Err.Error()
}

func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

// StopReason says why a mixer stopped.
type StopReason int

const (
	// StopRequested is an explicit Stop call.
	StopRequested StopReason = iota

	// StopDisplayEnded means the display capture ended outside the
	// application's control. System audio depends on that grant, so the whole
	// mix stops.
	StopDisplayEnded

	// StopMicrophoneLost means the microphone source ended on its own.
	StopMicrophoneLost
)

// String returns the human-readable name of the stop reason.
func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "requested"
	case StopDisplayEnded:
		return "display_ended"
	case StopMicrophoneLost:
		return "microphone_lost"
	default:
		return "unknown"
	}
}

// Options configures one recording's mix.
type Options struct {
	// IncludeSystemAudio requests a display capture with system audio.
	// Failure to acquire it is not fatal.
	IncludeSystemAudio bool

	// MicGain is the initial microphone gain.
	MicGain float64

	// SystemGain is the initial system-audio gain.
	SystemGain float64
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithSampleRate sets the mono output sample rate.
func WithSampleRate(rate int) Option {
	return func(m *Mixer) {
		if rate > 0 {
			m.format.SampleRate = rate
		}
	}
}

// WithMaxBacklog bounds the buffered system audio.
func WithMaxBacklog(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.maxBacklog = d
		}
	}
}

// OnAutoStop registers fn to run after the mixer stopped itself. fn runs on a
// mixer-owned goroutine after all resources have been released.
func OnAutoStop(fn func(StopReason)) Option {
	return func(m *Mixer) {
		m.onAutoStop = fn
	}
}

// Stream is the mixed output of a running [Mixer].
type Stream struct {
	frames <-chan audio.AudioFrame

	// Format is the PCM format of every frame (always mono).
	Format audio.Format

	// SystemAudio reports whether the system-audio leg was acquired.
	SystemAudio bool
}

// Frames returns the mixed frames. The channel is closed when the mixer stops.
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Mixer owns the capture sources, gain stages and mix bus of one recording
// attempt. All exported methods are safe for concurrent use.
type Mixer struct {
	devices    audio.Devices
	format     audio.Format
	maxBacklog time.Duration
	onAutoStop func(StopReason)

	micGain gain
	sysGain gain

	mu      sync.Mutex
	started bool
	closed  bool
	mic     audio.Source
	sys     audio.DisplaySource
	done    chan struct{}
	backlog []int16 // system-audio samples not yet mixed
	wg      sync.WaitGroup
}

// New creates a [Mixer] that acquires its sources from devices.
func New(devices audio.Devices, opts ...Option) *Mixer {
	m := &Mixer{
		devices:    devices,
		format:     audio.Format{SampleRate: DefaultSampleRate, Channels: 1},
		maxBacklog: defaultMaxBacklog,
	}
	m.micGain.Store(1)
	m.sysGain.Store(1)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start acquires the microphone and, if requested, the system audio, then
// starts mixing. A microphone failure returns *MicrophoneAccessError; a
// system-audio failure is logged and the mix proceeds microphone-only.
//
// If Stop is called while Start is still waiting on a device, the acquired
// devices are released and Start returns ErrStopped.
func (m *Mixer) Start(ctx context.Context, opts Options) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.micGain.Store(opts.MicGain)
	m.sysGain.Store(opts.SystemGain)

	mic, err := m.devices.OpenMicrophone(ctx, audio.VoiceConstraints(m.format))
	if err != nil {
		return nil, &MicrophoneAccessError{Err: err}
	}

	var sys audio.DisplaySource
	if opts.IncludeSystemAudio {
		sys, err = m.devices.OpenDisplay(ctx, audio.DisplayConstraints{Format: m.format, SystemAudio: true})
		if err != nil {
			slog.Warn("mixer: system audio unavailable, recording microphone only", "err", err)
			sys = nil
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = mic.Stop()
		if sys != nil {
			_ = sys.Stop()
		}
		return nil, ErrStopped
	}
	out := make(chan audio.AudioFrame, outputBuffer)
	m.mic = mic
	m.sys = sys
	m.done = make(chan struct{})
	done := m.done

	m.wg.Add(1)
	go m.mix(mic, sys != nil, out, done)
	if sys != nil {
		m.wg.Add(2)
		go m.collectSystem(sys, done)
		go m.watchDisplay(sys, done)
	}
	m.mu.Unlock()

	slog.Debug("mixer started",
		"sample_rate", m.format.SampleRate,
		"system_audio", sys != nil,
		"mic_gain", m.micGain.Load(),
		"system_gain", m.sysGain.Load(),
	)

	return &Stream{frames: out, Format: m.format, SystemAudio: sys != nil}, nil
}

// SetMicGain changes the microphone gain. It takes effect on the next frame.
func (m *Mixer) SetMicGain(v float64) { m.micGain.Store(v) }

// SetSystemGain changes the system-audio gain. It takes effect on the next
// frame.
func (m *Mixer) SetSystemGain(v float64) { m.sysGain.Store(v) }

// Gains returns the current microphone and system-audio gains.
func (m *Mixer) Gains() (mic, system float64) {
	return m.micGain.Load(), m.sysGain.Load()
}

// ActiveTracks returns the number of capture sources currently held.
func (m *Mixer) ActiveTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if m.mic != nil {
		n++
	}
	if m.sys != nil {
		n++
	}
	return n
}

// Stop releases every source, ends the mix goroutines and closes the output
// stream. It is idempotent and safe to call on a mixer that never started.
func (m *Mixer) Stop() error {
	return m.stop(StopRequested)
}

func (m *Mixer) stop(reason StopReason) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mic, sys, done := m.mic, m.sys, m.done
	m.mic, m.sys = nil, nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	var errs []error
	if mic != nil {
		if err := mic.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
	}
	if sys != nil {
		if err := sys.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop system audio: %w", err))
		}
	}
	m.wg.Wait()

	m.mu.Lock()
	m.done = nil
	m.backlog = nil
	m.mu.Unlock()

	if reason != StopRequested {
		slog.Warn("mixer stopped itself", "reason", reason.String())
		if m.onAutoStop != nil {
			m.onAutoStop(reason)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mixer: %w", err)
	}
	return nil
}

// autoStop is invoked from mixer goroutines; it must not run on them because
// stop waits for them to exit.
func (m *Mixer) autoStop(reason StopReason) {
	go func() { _ = m.stop(reason) }()
}

// mix is the mix bus: one output frame per microphone frame.
func (m *Mixer) mix(mic audio.Source, withSystem bool, out chan<- audio.AudioFrame, done <-chan struct{}) {
	defer m.wg.Done()
	defer close(out)

	conv := audio.MonoConverter{SampleRate: m.format.SampleRate}
	var produced int64

	for {
		select {
		case <-done:
			return
		case f, ok := <-mic.Frames():
			if !ok {
				select {
				case <-done:
				default:
					m.autoStop(StopMicrophoneLost)
				}
				return
			}
			samples := conv.Convert(f)
			if len(samples) == 0 {
				continue
			}
			bus := make([]float64, len(samples))
			audio.MixInto(bus, samples, m.micGain.Load())
			if withSystem {
				audio.MixInto(bus, m.takeBacklog(len(samples)), m.sysGain.Load())
			}

			frame := audio.AudioFrame{
				Data:       audio.Bytes(audio.Quantize(bus)),
				SampleRate: m.format.SampleRate,
				Channels:   1,
				Timestamp:  time.Duration(produced * int64(time.Second) / int64(m.format.SampleRate)),
			}
			produced += int64(len(samples))

			select {
			case out <- frame:
			case <-done:
				return
			}
		}
	}
}

// collectSystem appends converted system-audio samples to the backlog.
func (m *Mixer) collectSystem(sys audio.DisplaySource, done <-chan struct{}) {
	defer m.wg.Done()

	conv := audio.MonoConverter{SampleRate: m.format.SampleRate}
	limit := int(int64(m.format.SampleRate) * int64(m.maxBacklog) / int64(time.Second))

	for {
		select {
		case <-done:
			return
		case f, ok := <-sys.Frames():
			if !ok {
				select {
				case <-done:
				default:
					m.autoStop(StopDisplayEnded)
				}
				return
			}
			samples := conv.Convert(f)
			m.mu.Lock()
			m.backlog = append(m.backlog, samples...)
			if over := len(m.backlog) - limit; over > 0 {
				m.backlog = m.backlog[over:]
			}
			m.mu.Unlock()
		}
	}
}

// watchDisplay stops the whole mix when the display capture ends.
func (m *Mixer) watchDisplay(sys audio.DisplaySource, done <-chan struct{}) {
	defer m.wg.Done()
	select {
	case <-done:
	case <-sys.VideoEnded():
		m.autoStop(StopDisplayEnded)
	}
}

// takeBacklog removes up to n samples from the system-audio backlog.
func (m *Mixer) takeBacklog(n int) []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n = min(n, len(m.backlog))
	out := make([]int16, n)
	copy(out, m.backlog[:n])
	m.backlog = m.backlog[n:]
	return out
}
