// Package session runs one transcription connection at a time and bridges its
// event stream into the transcript accumulator and the recording state
// machine.
//
// A [Controller] owns at most one run. A run is created by
// [Controller.Start], which opens the provider stream, waits for the remote
// side to report readiness and then moves the machine to live. From then on
// two goroutines serve the run: a pump forwarding mixed audio frames, and an
// event loop applying token batches in arrival order. The event loop is the
// only writer of the run's [transcript.Accumulator].
//
// Every callback checks that its run is still the controller's current run
// before touching the machine, so a cancelled or replaced run can never
// mutate state after the fact.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lessonscribe/internal/observe"
	"github.com/MrWong99/lessonscribe/internal/recording"
	"github.com/MrWong99/lessonscribe/internal/transcript"
	"github.com/MrWong99/lessonscribe/pkg/audio"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

var (
	// ErrStreamClosed is reported when the provider closed its event stream
	// without a terminal event.
	ErrStreamClosed = errors.New("session: transcription stream closed unexpectedly")

	// ErrSuperseded is returned by a Start whose handshake completed after a
	// newer Start or a reset made it obsolete.
	ErrSuperseded = errors.New("session: start superseded")
)

// Config wires a [Controller].
type Config struct {
	// Provider opens transcription streams. Required.
	Provider stt.Provider

	// ProviderName labels metrics and logs (e.g. "soniox").
	ProviderName string

	// Machine receives phase and transcript updates. Required.
	Machine *recording.Machine

	// Metrics, if set, records batch and connect metrics.
	Metrics *observe.Metrics

	// LanguageHints are passed to the provider.
	LanguageHints []string

	// OnEnd, if set, is called when the current run ends on the remote side
	// without a preceding [Controller.Stop]: err is nil after a remote
	// finish and the remote failure otherwise. It runs on the event loop
	// goroutine after the run's outcome is available, so it may call Stop.
	OnEnd func(err error)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// StartParams describes one run.
type StartParams struct {
	// RecordingID names the recording the run belongs to. It is carried
	// into [recording.StreamEstablished] and matched by [StopOptions].
	RecordingID string

	// APIKey and Endpoint come from credential issuance.
	APIKey   string
	Endpoint string

	// Audio is the mixed frame stream. The run stops forwarding audio when
	// it is closed.
	Audio <-chan audio.AudioFrame

	// Format is the PCM format of Audio.
	Format audio.Format
}

// StopOptions controls [Controller.Stop].
type StopOptions struct {
	// ResetStart abandons the run: the connection is closed immediately
	// without waiting for the remote side, and every later callback of the
	// run is ignored. Used by cancel.
	ResetStart bool

	// RecordingID, if set, limits Stop to the run of that recording,
	// including one whose Start is still waiting for the handshake. Stop is
	// a no-op when a newer recording owns the controller.
	RecordingID string
}

// Outcome is what a gracefully stopped run produced.
type Outcome struct {
	Final        []transcript.Segment
	SpeakerCount int
}

// Controller manages the transcription connection of the current recording.
// All methods are safe for concurrent use.
type Controller struct {
	cfg Config

	mu  sync.Mutex
	run *run

	// gen counts Starts and resets. A Start installs its run only if no
	// other Start or reset happened while it was connecting.
	gen uint64

	// owner is the recording of the latest Start.
	owner string
}

// run is the state of one connection.
type run struct {
	handle stt.SessionHandle
	acc    *transcript.Accumulator

	// done is closed by the event loop when the stream has ended.
	done chan struct{}

	// Guarded by Controller.mu.
	stopping bool
	err      error
	outcome  Outcome
}

// NewController returns a Controller. It panics if Provider or Machine is
// nil, which is a wiring mistake.
func NewController(cfg Config) *Controller {
	if cfg.Provider == nil || cfg.Machine == nil {
		panic("session: NewController needs a Provider and a Machine")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stt"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

// Start opens a new connection and blocks until the provider reports it is
// ready, then dispatches [recording.StreamEstablished]. A run that is still
// active is torn down first. If ctx ends or the provider fails before
// readiness, the connection is closed and the error returned; the machine is
// left for the caller to fail. A Start overtaken by a newer Start or by a
// reset while connecting closes its connection and returns [ErrSuperseded].
func (c *Controller) Start(ctx context.Context, p StartParams) error {
	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.owner = p.RecordingID
	prev := c.run
	c.run = nil
	c.mu.Unlock()
	if prev != nil {
		slog.Warn("session: replacing active transcription run")
		_ = prev.handle.Close()
	}

	begin := c.cfg.Now()
	handle, err := c.cfg.Provider.StartStream(ctx, stt.StreamConfig{
		APIKey:        p.APIKey,
		Endpoint:      p.Endpoint,
		SampleRate:    p.Format.SampleRate,
		Channels:      max(p.Format.Channels, 1),
		LanguageHints: c.cfg.LanguageHints,
		Diarization:   true,
	})
	if err != nil {
		c.recordError(ctx)
		return fmt.Errorf("session: start stream: %w", err)
	}

	if err := awaitStarted(ctx, handle); err != nil {
		_ = handle.Close()
		c.recordError(ctx)
		return err
	}

	r := &run{
		handle: handle,
		acc:    transcript.NewAccumulator(nil),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = handle.Close()
		slog.Debug("session: dropping superseded stream", "recording_id", p.RecordingID)
		return ErrSuperseded
	}
	c.run = r
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConnectDuration.Record(ctx, c.cfg.Now().Sub(begin).Seconds())
		c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.ProviderName, "stream", "ok")
	}

	if _, err := c.cfg.Machine.Dispatch(recording.StreamEstablished{
		RecordingID: p.RecordingID,
		At:          c.cfg.Now(),
	}); err != nil {
		// The machine moved on (cancelled) while we were connecting.
		c.abandon(r)
		return fmt.Errorf("session: establish: %w", err)
	}

	go c.pump(r, p.Audio)
	go c.loop(r)
	return nil
}

// awaitStarted consumes events until EventStarted.
func awaitStarted(ctx context.Context, h stt.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: await started: %w", ctx.Err())
		case ev, ok := <-h.Events():
			if !ok {
				return ErrStreamClosed
			}
			switch ev.Kind {
			case stt.EventStarted:
				return nil
			case stt.EventError:
				return fmt.Errorf("session: handshake: %w", ev.Err)
			case stt.EventFinished:
				return ErrStreamClosed
			}
		}
	}
}

// Stop ends the current run. Without ResetStart it asks the provider to
// flush, waits for the terminal event (or ctx) and returns the final
// segments. Stopping when no run exists is a no-op. A reset also makes a
// Start that is still connecting yield.
func (c *Controller) Stop(ctx context.Context, opts StopOptions) (Outcome, error) {
	c.mu.Lock()
	if opts.RecordingID != "" && opts.RecordingID != c.owner {
		c.mu.Unlock()
		return Outcome{}, nil
	}
	r := c.run
	if opts.ResetStart {
		c.gen++
		c.run = nil
		c.mu.Unlock()
		if r != nil {
			_ = r.handle.Close()
		}
		return Outcome{}, nil
	}
	if r == nil {
		c.mu.Unlock()
		return Outcome{}, nil
	}
	r.stopping = true
	c.mu.Unlock()

	if err := r.handle.Finish(); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		slog.Warn("session: finish failed", "err", err)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		c.abandon(r)
		return Outcome{}, fmt.Errorf("session: stop: %w", ctx.Err())
	}

	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	out, err := r.outcome, r.err
	c.mu.Unlock()
	_ = r.handle.Close()
	return out, err
}

// Active reports whether a run exists.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// abandon drops r if it is still current and closes its connection.
func (c *Controller) abandon(r *run) {
	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	c.mu.Unlock()
	_ = r.handle.Close()
}

// current reports whether r is still the active run, and whether it is
// being stopped.
func (c *Controller) current(r *run) (ok, stopping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == r, r.stopping
}

// pump forwards audio until the frame channel closes or the run ends.
func (c *Controller) pump(r *run, frames <-chan audio.AudioFrame) {
	for {
		select {
		case <-r.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := r.handle.SendAudio(f.Data); err != nil {
				if !errors.Is(err, stt.ErrSessionClosed) {
					slog.Warn("session: send audio failed", "err", err)
				}
				return
			}
		}
	}
}

// loop applies provider events in order until the stream ends.
func (c *Controller) loop(r *run) {
	ctx := context.Background()
	var end error
	finished := false

	for ev := range r.handle.Events() {
		if ok, _ := c.current(r); !ok {
			// Abandoned: drain silently until Close ends the channel.
			continue
		}
		switch ev.Kind {
		case stt.EventTokens:
			upd := r.acc.Apply(ev.Tokens)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordTokenBatch(ctx, c.cfg.ProviderName, upd.Accepted, upd.Duplicates)
			}
			if upd.Duplicates > 0 {
				slog.Debug("session: dropped re-emitted final tokens", "count", upd.Duplicates)
			}
			c.publish(r, upd)
		case stt.EventFinished:
			c.publish(r, r.acc.Freeze())
			finished = true
		case stt.EventError:
			end = ev.Err
			if end == nil {
				end = &stt.RemoteError{Message: "unknown error"}
			}
		}
		if finished || end != nil {
			break
		}
	}
	if !finished && end == nil {
		end = ErrStreamClosed
	}

	c.mu.Lock()
	isCurrent := c.run == r
	stopping := r.stopping
	r.err = end
	r.outcome = Outcome{Final: r.acc.Final(), SpeakerCount: r.acc.Resolver().SpeakerCount()}
	c.mu.Unlock()
	close(r.done)

	if !isCurrent {
		return
	}
	if end != nil {
		c.recordError(ctx)
		slog.Error("session: transcription failed", "err", end, "provider", c.cfg.ProviderName)
		_ = r.handle.Close()
		if stopping {
			// Stop reports the error to its caller.
			return
		}
		if _, err := c.cfg.Machine.Dispatch(recording.Failed{Message: end.Error()}); err != nil {
			slog.Debug("session: failure not dispatched", "err", err)
		}
	}
	if !stopping && c.cfg.OnEnd != nil {
		c.cfg.OnEnd(end)
	}
}

// publish pushes an accumulator update into the machine if r is current.
func (c *Controller) publish(r *run, upd transcript.Update) {
	if ok, _ := c.current(r); !ok {
		return
	}
	_, err := c.cfg.Machine.Dispatch(recording.TranscriptUpdated{
		Live:         upd.Live,
		Final:        upd.Final,
		SpeakerCount: upd.SpeakerCount,
	})
	if err != nil {
		slog.Debug("session: transcript update not dispatched", "err", err)
	}
}

func (c *Controller) recordError(ctx context.Context) {
	if c.cfg.Metrics == nil {
		return
	}
	c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.ProviderName, "stream", "error")
	c.cfg.Metrics.RecordProviderError(ctx, c.cfg.ProviderName, "stream")
}
