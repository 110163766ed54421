package recording

import (
	"log/slog"
	"sync"
)

// Machine is the concurrency-safe holder of the current [State].
type Machine struct {
	mu    sync.Mutex
	state State
	subs  map[int]chan State
	next  int
	hooks []func(prev, next State)
}

// NewMachine returns a Machine in [PhaseIdle].
func NewMachine() *Machine {
	return &Machine{subs: make(map[int]chan State)}
}

// OnTransition registers fn to run after every accepted event that changes
// the phase. fn runs with the machine unlocked but before Dispatch returns.
func (m *Machine) OnTransition(fn func(prev, next State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Dispatch applies ev and notifies subscribers. It returns the new state, or
// the unchanged state and an error if ev is illegal in the current phase.
func (m *Machine) Dispatch(ev Event) (State, error) {
	m.mu.Lock()
	prev := m.state
	next, err := Transition(prev, ev)
	if err != nil {
		m.mu.Unlock()
		slog.Debug("recording: event rejected", "event", EventName(ev), "phase", prev.Phase.String())
		return prev.Clone(), err
	}
	m.state = next
	for _, ch := range m.subs {
		publish(ch, next.Clone())
	}
	hooks := m.hooks
	m.mu.Unlock()

	if prev.Phase != next.Phase {
		slog.Info("recording phase changed",
			"from", prev.Phase.String(),
			"to", next.Phase.String(),
			"recording_id", next.RecordingID,
		)
		for _, fn := range hooks {
			fn(prev, next)
		}
	}
	return next.Clone(), nil
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Subscribe returns a channel that always holds the most recent state. The
// current state is delivered immediately. A slow reader misses intermediate
// states but never blocks Dispatch. Call cancel to unsubscribe; it closes the
// channel.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	ch <- m.state.Clone()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}

// publish replaces whatever is buffered in ch with s. Callers hold m.mu, so
// there is exactly one writer per channel.
func publish(ch chan State, s State) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}
