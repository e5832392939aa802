package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
)

// State of a session's transport selection
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
)

const (
	eventOpen       = "open"
	eventDisconnect = "disconnect"
	eventDegrade    = "degrade"
)

/*
Transitions:

	connecting ──open──────→ connected
	connected  ──disconnect→ connecting
	connecting ──degrade───→ degraded
	degraded   ──open──────→ connected

A degraded session stays degraded while the transport keeps retrying; only a
successful open leaves it.
*/
var transitions = fsm.Events{
	{Name: eventOpen, Src: []string{string(StateConnecting), string(StateDegraded)}, Dst: string(StateConnected)},
	{Name: eventDisconnect, Src: []string{string(StateConnected)}, Dst: string(StateConnecting)},
	{Name: eventDegrade, Src: []string{string(StateConnecting)}, Dst: string(StateDegraded)},
}

// stateMachine serializes transitions and mirrors the current state so it can
// be read from any goroutine, including from inside enter callbacks
type stateMachine struct {
	mu      sync.Mutex
	fsm     *fsm.FSM
	current atomic.Value
}

// newStateMachine starts in connecting. onEnter runs for every state entered
// through a transition; it must not fire further events.
func newStateMachine(onEnter func(ctx context.Context, state State)) *stateMachine {
	m := &stateMachine{}
	m.current.Store(StateConnecting)
	m.fsm = fsm.NewFSM(
		string(StateConnecting),
		transitions,
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				state := State(e.Dst)
				m.current.Store(state)
				onEnter(ctx, state)
			},
		},
	)
	return m
}

func (m *stateMachine) Current() State {
	return m.current.Load().(State)
}

// fire runs event if the current state allows it and reports whether a
// transition happened
func (m *stateMachine) fire(ctx context.Context, event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(event) {
		return false
	}
	return m.fsm.Event(ctx, event) == nil
}
