package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Phase is the lifecycle position of a SyncSession.
// Idle, Writing and Publishing are the sub-phases of running.
type Phase uint8

const (
	PhaseStarting Phase = iota
	PhaseIdle
	PhaseWriting
	PhasePublishing
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseIdle:
		return "idle"
	case PhaseWriting:
		return "writing"
	case PhasePublishing:
		return "publishing"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

func (p Phase) Running() bool {
	return p == PhaseIdle || p == PhaseWriting || p == PhasePublishing
}

func (p Phase) Terminal() bool {
	return p == PhaseStopped
}

var legalTransitions = map[Phase][]Phase{
	PhaseStarting:   {PhaseIdle, PhaseStopping},
	PhaseIdle:       {PhaseWriting, PhasePublishing, PhaseStopping},
	PhaseWriting:    {PhaseIdle, PhaseStopping},
	PhasePublishing: {PhaseIdle, PhaseStopping},
	PhaseStopping:   {PhaseStopped},
	PhaseStopped:    {},
}

func canTransition(from, to Phase) bool {
	for _, p := range legalTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// phaseMachine holds the current phase and broadcasts changes.
type phaseMachine struct {
	mu      sync.Mutex
	phase   Phase
	changed chan struct{}
	subs    map[chan Phase]struct{}
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{
		phase:   PhaseStarting,
		changed: make(chan struct{}),
		subs:    make(map[chan Phase]struct{}),
	}
}

func (m *phaseMachine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// transition moves to `to` if the table allows it.
func (m *phaseMachine) transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	m.phase = to
	close(m.changed)
	m.changed = make(chan struct{})

	for ch := range m.subs {
		select {
		case ch <- to:
		default:
			slog.Debug("sync phase subscriber lagging", "phase", to)
		}
	}

	slog.Debug("sync phase", "from", from, "to", to)
	return nil
}

// changedCh returns the phase and a channel closed on the next transition.
func (m *phaseMachine) changedCh() (Phase, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, m.changed
}

func (m *phaseMachine) subscribe(buffer int) (<-chan Phase, func()) {
	ch := make(chan Phase, buffer)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// waitFor blocks until pred holds for the current phase.
func (m *phaseMachine) waitFor(ctx context.Context, pred func(Phase) bool) (Phase, error) {
	for {
		phase, changed := m.changedCh()
		if pred(phase) {
			return phase, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return phase, ctx.Err()
		}
	}
}
