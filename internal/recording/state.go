// Package recording holds the lifecycle of one lesson recording as an
// explicit state machine.
//
// [Transition] is a pure function from a [State] and an [Event] to the next
// state. [Machine] wraps it with a lock and lets observers subscribe to the
// resulting snapshots.
package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lessonscribe/internal/transcript"
)

// ErrIllegalTransition is returned when an event is not accepted in the
// current phase. The state is left unchanged.
var ErrIllegalTransition = errors.New("recording: illegal transition")

// Phase is the coarse lifecycle position of a recording.
type Phase int

const (
	// PhaseIdle means nothing is recording.
	PhaseIdle Phase = iota

	// PhaseRequesting means capture devices are being acquired.
	PhaseRequesting

	// PhaseConnecting means the transcription session is being opened.
	PhaseConnecting

	// PhaseLive means audio is streaming and transcript updates arrive.
	PhaseLive

	// PhaseReconnecting is reserved for transparent reconnects. Nothing
	// enters it today; a remote failure is terminal for the recording.
	PhaseReconnecting

	// PhaseFinishing means the recording was stopped and the transcript is
	// being handed off.
	PhaseFinishing

	// PhaseFinished means the transcript was handed off.
	PhaseFinished

	// PhaseError means the recording failed.
	PhaseError
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequesting:
		return "requesting"
	case PhaseConnecting:
		return "connecting"
	case PhaseLive:
		return "live"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseFinishing:
		return "finishing"
	case PhaseFinished:
		return "finished"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is the observable recording state.
type State struct {
	Phase        Phase                `json:"phase"`
	RecordingID  string               `json:"recordingId,omitempty"`
	StartedAt    time.Time            `json:"startedAt,omitzero"`
	Duration     time.Duration        `json:"duration"`
	ErrorMessage string               `json:"error,omitempty"`
	Live         []transcript.Segment `json:"live"`
	Final        []transcript.Segment `json:"final"`
	SpeakerCount int                  `json:"speakerCount"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Live = cloneSegments(s.Live)
	s.Final = cloneSegments(s.Final)
	return s
}

// CanStart reports whether a new recording may be started.
func (s State) CanStart() bool {
	switch s.Phase {
	case PhaseIdle, PhaseError, PhaseFinished:
		return true
	}
	return false
}

// CanStop reports whether the recording may be stopped.
func (s State) CanStop() bool {
	return s.Phase == PhaseLive || s.Phase == PhaseReconnecting
}

// CanCancel reports whether cancelling would discard anything. Cancel is not
// offered while devices or the connection are being acquired, nor at rest.
func (s State) CanCancel() bool {
	switch s.Phase {
	case PhaseLive, PhaseReconnecting, PhaseFinishing, PhaseError, PhaseFinished:
		return true
	}
	return false
}

// Event is one of the events below.
type Event interface {
	event()
}

// StartRequested begins a new recording.
type StartRequested struct {
	RecordingID string
}

// ConnectingBegan reports that the capture devices are ready and the
// transcription session is being opened.
type ConnectingBegan struct{}

// StreamEstablished reports that the transcription session started.
type StreamEstablished struct {
	// RecordingID, if set, names the recording the stream was opened for.
	// A stream of an earlier attempt is rejected.
	RecordingID string
	At          time.Time
}

// TranscriptUpdated carries the segments after one token batch.
type TranscriptUpdated struct {
	Live         []transcript.Segment
	Final        []transcript.Segment
	SpeakerCount int
}

// StopRequested ends a live recording.
type StopRequested struct {
	At time.Time
}

// HandoffSucceeded reports that the transcript was persisted.
type HandoffSucceeded struct{}

// Failed reports an unrecoverable failure.
type Failed struct {
	Message string
}

// CancelRequested discards the recording.
type CancelRequested struct{}

func (StartRequested) event()    {}
func (ConnectingBegan) event()   {}
func (StreamEstablished) event() {}
func (TranscriptUpdated) event() {}
func (StopRequested) event()     {}
func (HandoffSucceeded) event()  {}
func (Failed) event()            {}
func (CancelRequested) event()   {}

// EventName returns a short name for logging.
func EventName(ev Event) string {
	switch ev.(type) {
	case StartRequested:
		return "start_requested"
	case ConnectingBegan:
		return "connecting_began"
	case StreamEstablished:
		return "stream_established"
	case TranscriptUpdated:
		return "transcript_updated"
	case StopRequested:
		return "stop_requested"
	case HandoffSucceeded:
		return "handoff_succeeded"
	case Failed:
		return "failed"
	case CancelRequested:
		return "cancel_requested"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// Transition returns the state that follows s on ev. On an illegal event it
// returns s unchanged and an error wrapping [ErrIllegalTransition].
func Transition(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case CancelRequested:
		return State{Phase: PhaseIdle}, nil

	case Failed:
		next := s.Clone()
		next.Phase = PhaseError
		next.ErrorMessage = e.Message
		return next, nil

	case StartRequested:
		if !s.CanStart() {
			return s, illegal(s, ev)
		}
		return State{Phase: PhaseRequesting, RecordingID: e.RecordingID}, nil

	case ConnectingBegan:
		if s.Phase != PhaseRequesting {
			return s, illegal(s, ev)
		}
		next := s.Clone()
		next.Phase = PhaseConnecting
		return next, nil

	case StreamEstablished:
		if s.Phase != PhaseConnecting {
			return s, illegal(s, ev)
		}
		if e.RecordingID != "" && e.RecordingID != s.RecordingID {
			return s, fmt.Errorf("%w: stream of recording %q while connecting %q",
				ErrIllegalTransition, e.RecordingID, s.RecordingID)
		}
		next := s.Clone()
		next.Phase = PhaseLive
		next.StartedAt = e.At
		return next, nil

	case TranscriptUpdated:
		switch s.Phase {
		case PhaseLive, PhaseReconnecting, PhaseFinishing:
		default:
			return s, illegal(s, ev)
		}
		next := s
		next.Live = cloneSegments(e.Live)
		next.Final = cloneSegments(e.Final)
		next.SpeakerCount = e.SpeakerCount
		return next, nil

	case StopRequested:
		if !s.CanStop() {
			return s, illegal(s, ev)
		}
		next := s.Clone()
		next.Phase = PhaseFinishing
		if !s.StartedAt.IsZero() {
			next.Duration = max(e.At.Sub(s.StartedAt), 0)
		}
		return next, nil

	case HandoffSucceeded:
		if s.Phase != PhaseFinishing {
			return s, illegal(s, ev)
		}
		next := s.Clone()
		next.Phase = PhaseFinished
		return next, nil

	default:
		return s, fmt.Errorf("recording: unknown event %T", ev)
	}
}

func illegal(s State, ev Event) error {
	return fmt.Errorf("%w: %s in phase %s", ErrIllegalTransition, EventName(ev), s.Phase)
}

func cloneSegments(segs []transcript.Segment) []transcript.Segment {
	if segs == nil {
		return nil
	}
	out := make([]transcript.Segment, len(segs))
	copy(out, segs)
	return out
}
