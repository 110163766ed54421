package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lessonscribe/internal/credentials"
	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/observe"
	"github.com/MrWong99/lessonscribe/internal/recording"
	"github.com/MrWong99/lessonscribe/internal/session"
	"github.com/MrWong99/lessonscribe/internal/transcript"
	"github.com/MrWong99/lessonscribe/internal/transcript/phonetic"
	"github.com/MrWong99/lessonscribe/pkg/audio"
	"github.com/MrWong99/lessonscribe/pkg/audio/mixer"
	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

var (
	// ErrCancelled is returned by Start and Stop when the attempt was
	// cancelled while they were running. Callers treat it as a silent reset.
	ErrCancelled = errors.New("app: recording cancelled")

	// ErrNotLive is returned by Stop when there is no live recording.
	ErrNotLive = errors.New("app: no live recording")
)

// defaultStopTimeout bounds the wait for the provider to flush on Stop.
const defaultStopTimeout = 15 * time.Second

// RecorderConfig holds the dependencies of a [Recorder].
type RecorderConfig struct {
	Machine      *recording.Machine
	Devices      audio.Devices
	Provider     stt.Provider
	ProviderName string
	Issuer       credentials.Issuer
	Store        lessonstore.Store

	// Metrics may be nil.
	Metrics *observe.Metrics

	// SampleRate of the mixed stream. Default: mixer.DefaultSampleRate.
	SampleRate int

	// IncludeSystemAudio is the default for new recordings.
	IncludeSystemAudio bool

	// MicGain and SystemGain are the initial gains.
	MicGain    float64
	SystemGain float64

	LanguageHints []string
	Vocabulary    []string

	// StopTimeout bounds the graceful provider flush. Default: 15s.
	StopTimeout time.Duration

	// Now and NewID replace time.Now and uuid generation in tests.
	Now   func() time.Time
	NewID func() string
}

// StartOptions overrides per-recording settings.
type StartOptions struct {
	// IncludeSystemAudio, if set, overrides the configured default.
	IncludeSystemAudio *bool
}

// Recorder runs recording attempts: it drives the state machine through
// device acquisition, credential issuance, the transcription session and the
// final handoff to the lesson store. One attempt runs at a time. All methods
// are safe for concurrent use.
type Recorder struct {
	cfg        RecorderConfig
	controller *session.Controller
	matcher    *phonetic.Matcher
	corrector  atomic.Pointer[transcript.Corrector]

	mu      sync.Mutex
	cur     *attempt
	micGain float64
	sysGain float64
}

// attempt is one recording from Start until it finishes, fails or is
// cancelled. Pointer identity tells stale callbacks apart from the current
// attempt.
type attempt struct {
	id    string
	mixer *mixer.Mixer

	// cancel aborts whatever Start is still waiting on: a device prompt,
	// credential issuance or the provider handshake.
	cancel context.CancelFunc

	// Guarded by Recorder.mu.
	stopping bool

	// autoStopped is set when the mixer ended on its own before the
	// recording went live.
	autoStopped atomic.Bool
}

// NewRecorder wires a Recorder and its session controller.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = mixer.DefaultSampleRate
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.MicGain == 0 {
		cfg.MicGain = 1
	}
	if cfg.SystemGain == 0 {
		cfg.SystemGain = 1
	}

	r := &Recorder{
		cfg:     cfg,
		matcher: phonetic.New(),
		micGain: cfg.MicGain,
		sysGain: cfg.SystemGain,
	}
	r.controller = session.NewController(session.Config{
		Provider:      cfg.Provider,
		ProviderName:  cfg.ProviderName,
		Machine:       cfg.Machine,
		Metrics:       cfg.Metrics,
		LanguageHints: cfg.LanguageHints,
		OnEnd:         r.onRemoteEnd,
		Now:           cfg.Now,
	})
	r.SetVocabulary(cfg.Vocabulary)
	return r
}

// State returns the current recording state.
func (r *Recorder) State() recording.State {
	return r.cfg.Machine.Snapshot()
}

// Subscribe follows the recording state. See [recording.Machine.Subscribe].
func (r *Recorder) Subscribe() (<-chan recording.State, func()) {
	return r.cfg.Machine.Subscribe()
}

// Start begins a recording and returns its ID once the transcription session
// is live. On failure every acquired resource is released and the machine is
// left in the error phase, except when the attempt was cancelled meanwhile:
// then Start returns [ErrCancelled] and the machine is idle.
func (r *Recorder) Start(ctx context.Context, opts StartOptions) (string, error) {
	id := r.cfg.NewID()
	ctx, span := observe.StartSpan(ctx, "recording.start")
	defer span.End()
	log := observe.RecordingLogger(ctx, id)

	includeSystem := r.cfg.IncludeSystemAudio
	if opts.IncludeSystemAudio != nil {
		includeSystem = *opts.IncludeSystemAudio
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := &attempt{id: id, cancel: cancel}
	a.mixer = mixer.New(r.cfg.Devices,
		mixer.WithSampleRate(r.cfg.SampleRate),
		mixer.OnAutoStop(func(reason mixer.StopReason) { r.onMixerStopped(a, reason) }),
	)

	// Registering the attempt and leaving the rest phase happen together so
	// that a concurrent Cancel sees either neither or both.
	r.mu.Lock()
	if _, err := r.cfg.Machine.Dispatch(recording.StartRequested{RecordingID: id}); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("app: start: %w", err)
	}
	stale := r.cur
	r.cur = a
	micGain, sysGain := r.micGain, r.sysGain
	r.mu.Unlock()
	if stale != nil {
		// The machine accepted a new start, so the previous attempt is over
		// as far as the user is concerned; make sure nothing of it lingers.
		r.teardown(context.WithoutCancel(ctx), stale)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveRecordings.Add(ctx, 1)
	}

	stream, err := a.mixer.Start(ctx, mixer.Options{
		IncludeSystemAudio: includeSystem,
		MicGain:            micGain,
		SystemGain:         sysGain,
	})
	if err != nil {
		return "", r.failStart(ctx, a, err)
	}
	if includeSystem && !stream.SystemAudio {
		log.Warn("recording without system audio")
	}

	if _, err := r.cfg.Machine.Dispatch(recording.ConnectingBegan{}); err != nil {
		return "", r.failStart(ctx, a, err)
	}

	tok, err := r.cfg.Issuer.Issue(ctx)
	if err != nil {
		return "", r.failStart(ctx, a, err)
	}
	if !r.isCurrent(a) {
		return "", r.failStart(ctx, a, ErrCancelled)
	}

	err = r.controller.Start(ctx, session.StartParams{
		RecordingID: id,
		APIKey:      tok.APIKey,
		Endpoint:    tok.WebsocketURL,
		Audio:       stream.Frames(),
		Format:      stream.Format,
	})
	if err != nil {
		return "", r.failStart(ctx, a, err)
	}
	if !r.isCurrent(a) {
		// Cancelled during the handshake.
		r.teardown(context.WithoutCancel(ctx), a)
		return "", ErrCancelled
	}

	log.Info("recording live", "system_audio", stream.SystemAudio, "provider", r.cfg.ProviderName)
	if a.autoStopped.Load() {
		go r.stopAttempt(a)
	}
	return id, nil
}

// failStart tears a failed start down and moves the machine to error. If the
// attempt is no longer current it was cancelled, which is reported as
// ErrCancelled without touching the machine.
func (r *Recorder) failStart(ctx context.Context, a *attempt, cause error) error {
	if !r.release(a) {
		return ErrCancelled
	}
	r.teardown(context.WithoutCancel(ctx), a)
	log := observe.RecordingLogger(ctx, a.id)
	if errors.Is(cause, ErrCancelled) || errors.Is(cause, context.Canceled) {
		if _, err := r.cfg.Machine.Dispatch(recording.CancelRequested{}); err != nil {
			log.Debug("cancel not dispatched", "err", err)
		}
		r.recordOutcome(ctx, observe.OutcomeCancelled, 0)
		return ErrCancelled
	}
	log.Error("recording start failed", "err", cause)
	if _, err := r.cfg.Machine.Dispatch(recording.Failed{Message: failureMessage(cause)}); err != nil {
		log.Debug("failure not dispatched", "err", err)
	}
	r.recordOutcome(ctx, observe.OutcomeFailed, 0)
	return fmt.Errorf("app: start: %w", cause)
}

// Stop ends the live recording gracefully, waits for the final transcript,
// applies vocabulary correction and saves the result.
func (r *Recorder) Stop(ctx context.Context) (lessonstore.Result, error) {
	r.mu.Lock()
	a := r.cur
	r.mu.Unlock()
	if a == nil {
		return lessonstore.Result{}, ErrNotLive
	}
	return r.stop(ctx, a)
}

// stopAttempt is Stop for a specific attempt, used by automatic stops.
func (r *Recorder) stopAttempt(a *attempt) {
	_, err := r.stop(context.Background(), a)
	if err != nil && !errors.Is(err, ErrNotLive) && !errors.Is(err, ErrCancelled) {
		slog.Warn("automatic stop failed", "recording_id", a.id, "err", err)
	}
}

func (r *Recorder) stop(ctx context.Context, a *attempt) (lessonstore.Result, error) {
	ctx, span := observe.StartSpan(ctx, "recording.stop")
	defer span.End()
	log := observe.RecordingLogger(ctx, a.id)

	r.mu.Lock()
	if r.cur != a || a.stopping {
		r.mu.Unlock()
		return lessonstore.Result{}, ErrNotLive
	}
	a.stopping = true
	r.mu.Unlock()

	if _, err := r.cfg.Machine.Dispatch(recording.StopRequested{At: r.cfg.Now()}); err != nil {
		r.mu.Lock()
		a.stopping = false
		r.mu.Unlock()
		return lessonstore.Result{}, fmt.Errorf("%w: %w", ErrNotLive, err)
	}

	if err := a.mixer.Stop(); err != nil {
		log.Warn("mixer stop reported errors", "err", err)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StopTimeout)
	out, err := r.controller.Stop(stopCtx, session.StopOptions{})
	cancel()
	if !r.isCurrent(a) {
		return lessonstore.Result{}, ErrCancelled
	}
	if err != nil {
		return lessonstore.Result{}, r.fail(ctx, a, err)
	}

	snap := r.cfg.Machine.Snapshot()
	res := r.buildResult(a.id, snap, out)
	if err := r.cfg.Store.Save(ctx, res); err != nil {
		return lessonstore.Result{}, r.fail(ctx, a, fmt.Errorf("save lesson: %w", err))
	}

	if !r.release(a) {
		return lessonstore.Result{}, ErrCancelled
	}
	if _, err := r.cfg.Machine.Dispatch(recording.HandoffSucceeded{}); err != nil {
		log.Warn("handoff not recorded", "err", err)
	}
	r.recordOutcome(ctx, observe.OutcomeFinished, res.Duration)
	log.Info("recording finished",
		"duration", res.Duration,
		"speakers", res.SpeakerCount,
		"segments", len(res.Segments),
	)
	return res, nil
}

// buildResult renders and corrects the final transcript.
func (r *Recorder) buildResult(id string, snap recording.State, out session.Outcome) lessonstore.Result {
	raw := transcript.Format(out.Final)
	corrected, corrections := r.corrector.Load().CorrectSegments(out.Final)
	if len(corrections) > 0 {
		slog.Debug("vocabulary corrections applied", "recording_id", id, "count", len(corrections))
	}
	return lessonstore.Result{
		RecordingID:   id,
		Transcript:    transcript.Format(corrected),
		RawTranscript: raw,
		Segments:      corrected,
		Duration:      snap.Duration,
		SpeakerCount:  out.SpeakerCount,
		StartedAt:     snap.StartedAt,
	}
}

// fail ends a and moves the machine to error.
func (r *Recorder) fail(ctx context.Context, a *attempt, cause error) error {
	if !r.release(a) {
		return ErrCancelled
	}
	r.teardown(context.WithoutCancel(ctx), a)
	log := observe.RecordingLogger(ctx, a.id)
	log.Error("recording failed", "err", cause)
	if _, err := r.cfg.Machine.Dispatch(recording.Failed{Message: failureMessage(cause)}); err != nil {
		log.Debug("failure not dispatched", "err", err)
	}
	r.recordOutcome(ctx, observe.OutcomeFailed, 0)
	return fmt.Errorf("app: %w", cause)
}

// Cancel abandons the current attempt from any phase: the transcription
// session is closed without waiting, the mixer is stopped and the machine
// returns to idle with every segment discarded.
func (r *Recorder) Cancel(ctx context.Context) error {
	r.mu.Lock()
	a := r.cur
	r.cur = nil
	_, err := r.cfg.Machine.Dispatch(recording.CancelRequested{})
	r.mu.Unlock()

	if a != nil {
		r.teardown(ctx, a)
		r.recordOutcome(ctx, observe.OutcomeCancelled, 0)
		observe.RecordingLogger(ctx, a.id).Info("recording cancelled")
	}
	return err
}

// teardown releases the session and the devices of a. It leaves the session
// of a newer attempt alone.
func (r *Recorder) teardown(ctx context.Context, a *attempt) {
	a.cancel()
	if _, err := r.controller.Stop(ctx, session.StopOptions{ResetStart: true, RecordingID: a.id}); err != nil {
		slog.Warn("session teardown failed", "recording_id", a.id, "err", err)
	}
	if err := a.mixer.Stop(); err != nil {
		slog.Warn("mixer teardown failed", "recording_id", a.id, "err", err)
	}
}

// onRemoteEnd handles the provider ending the session on its own. A finish
// runs the normal stop flow; a failure (already dispatched by the
// controller) releases the devices.
func (r *Recorder) onRemoteEnd(err error) {
	r.mu.Lock()
	a := r.cur
	r.mu.Unlock()
	if a == nil {
		return
	}
	if err == nil {
		go r.stopAttempt(a)
		return
	}
	if !r.release(a) {
		return
	}
	go func() {
		ctx := context.Background()
		r.teardown(ctx, a)
		r.recordOutcome(ctx, observe.OutcomeFailed, 0)
	}()
}

// onMixerStopped handles the capture ending outside the user's control. A
// live recording is stopped and saved; during start-up the stop is deferred
// until the session is live.
func (r *Recorder) onMixerStopped(a *attempt, reason mixer.StopReason) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordMixerAutoStop(context.Background(), reason.String())
	}
	if !r.isCurrent(a) {
		return
	}
	a.autoStopped.Store(true)
	if r.cfg.Machine.Snapshot().Phase == recording.PhaseLive {
		go r.stopAttempt(a)
	}
}

// SetGains changes the gains of the running mixer, if any, and of future
// recordings. Nil leaves a gain unchanged.
func (r *Recorder) SetGains(mic, system *float64) (float64, float64) {
	r.mu.Lock()
	if mic != nil {
		r.micGain = mixer.ClampGain(*mic)
	}
	if system != nil {
		r.sysGain = mixer.ClampGain(*system)
	}
	micGain, sysGain := r.micGain, r.sysGain
	var mx *mixer.Mixer
	if r.cur != nil {
		mx = r.cur.mixer
	}
	r.mu.Unlock()

	if mx != nil {
		mx.SetMicGain(micGain)
		mx.SetSystemGain(sysGain)
	}
	return micGain, sysGain
}

// Gains returns the gains applied to the current or next recording.
func (r *Recorder) Gains() (mic, system float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.micGain, r.sysGain
}

// SetVocabulary replaces the correction vocabulary for future stops.
func (r *Recorder) SetVocabulary(terms []string) {
	r.corrector.Store(transcript.NewCorrector(r.matcher, terms))
}

// Shutdown cancels any attempt in progress.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	active := r.cur != nil
	r.mu.Unlock()
	if !active {
		return nil
	}
	return r.Cancel(ctx)
}

func (r *Recorder) isCurrent(a *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur == a
}

// release clears a if it is still current and reports whether it was.
func (r *Recorder) release(a *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != a {
		return false
	}
	r.cur = nil
	return true
}

func (r *Recorder) recordOutcome(ctx context.Context, outcome string, d time.Duration) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.ActiveRecordings.Add(ctx, -1)
	r.cfg.Metrics.RecordRecording(ctx, outcome, d)
}

// failureMessage is the human-readable text shown for a failed recording.
func failureMessage(err error) string {
	var micErr *mixer.MicrophoneAccessError
	var remote *stt.RemoteError
	switch {
	case errors.As(err, &micErr):
		return "Microphone unavailable: " + micErr.Err.Error()
	case errors.Is(err, credentials.ErrTokenExpired):
		return "The transcription key was already expired."
	case errors.As(err, &remote):
		return "Transcription service error: " + remote.Message
	}
	return err.Error()
}
