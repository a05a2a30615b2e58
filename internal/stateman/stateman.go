// Package stateman implements the supervisory state machine of spec §4.3:
// the single source of truth coordinating print-runout and RFID-feed
// sequencing. It generalizes the teacher's ippsrv/job.go makeJobFSM
// pattern (looplab/fsm, named events, fsm.Callbacks) to the transition
// table driven by the orchestrator.
package stateman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// State is one of the nine system states named in spec §3/§4.3.
type State string

const (
	StateStarting     State = "starting"
	StateIdle         State = "idle"
	StatePrinting     State = "printing"
	StateRunout       State = "runout"
	StatePaused       State = "paused"
	StateFeeding      State = "feeding"
	StateResuming     State = "resuming"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

func (s State) String() string { return string(s) }

var allStates = []string{
	StateStarting.String(), StateIdle.String(), StatePrinting.String(),
	StateRunout.String(), StatePaused.String(), StateFeeding.String(),
	StateResuming.String(), StateError.String(), StateDisconnected.String(),
}

const (
	evtComponentsReady = "components_ready"
	evtLinkLost        = "link_lost"
	evtLinkUp          = "link_up"
	evtPrintStarted    = "print_started"
	evtSensorRunout    = "sensor_runout"
	evtPauseConfirmed  = "pause_confirmed"
	evtRequestFeed     = "request_feed"
	evtFeedComplete    = "feed_complete"
	evtResumeConfirmed = "resume_confirmed"
	evtFatalError      = "fatal_error"
	evtOperatorReset   = "operator_reset"

	// evtPrintComplete and evtPrintCancelled supplement the table of spec
	// §4.3: the original rows never name a way back to Idle once a print
	// finishes or is cancelled outright, only the runout/feed/resume path.
	// Added per DESIGN.md's open-question decision so normal print
	// completion doesn't leave the manager stuck in Printing.
	evtPrintComplete  = "print_complete"
	evtPrintCancelled = "print_cancelled"
)

// printingPath is every state a print session can be in, used as the
// source set for the completion/cancellation events above.
var printingPath = []string{
	StatePrinting.String(), StateRunout.String(), StatePaused.String(),
	StateFeeding.String(), StateResuming.String(),
}

// Change is published on the manager's channel after every transition the
// fsm actually commits, per spec §4.3's "emits a state-change notification
// only after the new state is committed."
type Change struct {
	State    State
	Extruder *int   // which extruder the state concerns, if any
	ErrKind  string // populated only for StateError
}

// ErrIllegalTransition wraps the fsm's rejection of an event that has no
// edge from the current state, per spec §7's IllegalTransition taxonomy
// entry: "logged, no effect."
type ErrIllegalTransition struct {
	Event string
	From  State
	Err   error
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("stateman: illegal transition: event %q from state %q: %v", e.Event, e.From, e.Err)
}

func (e *ErrIllegalTransition) Unwrap() error { return e.Err }

// Manager is the single-writer owner of SystemState. Components hold a
// receiver on Changes(); the manager holds nothing back, per spec §9's
// cyclic-reference design note.
type Manager struct {
	mu sync.Mutex
	sm *fsm.FSM

	extruder   *int
	priorState State
	errKind    string

	changes chan Change
}

// New constructs a Manager in StateStarting, per spec §4.3's "initial
// state Starting."
func New() *Manager {
	m := &Manager{
		priorState: StateIdle,
		changes:    make(chan Change, 16),
	}
	m.sm = fsm.NewFSM(StateStarting.String(), m.events(), m.callbacks())
	return m
}

// Changes is the single channel the orchestrator drains for state-change
// notifications.
func (m *Manager) Changes() <-chan Change { return m.changes }

// Current returns the current state without mutation.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.sm.Current())
}

// CurrentExtruder returns the extruder the current state concerns, if any.
func (m *Manager) CurrentExtruder() *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extruder == nil {
		return nil
	}
	v := *m.extruder
	return &v
}

func (m *Manager) events() []fsm.EventDesc {
	return []fsm.EventDesc{
		{Name: evtComponentsReady, Src: []string{StateStarting.String()}, Dst: StateIdle.String()},
		{Name: evtLinkLost, Src: allStates, Dst: StateDisconnected.String()},
		{Name: evtLinkUp, Src: []string{StateDisconnected.String()}, Dst: StateIdle.String()}, // dst overridden in callback via SetState
		{Name: evtPrintStarted, Src: []string{StateIdle.String()}, Dst: StatePrinting.String()},
		{Name: evtSensorRunout, Src: []string{StatePrinting.String()}, Dst: StateRunout.String()},
		{Name: evtPauseConfirmed, Src: []string{StateRunout.String()}, Dst: StatePaused.String()},
		{Name: evtRequestFeed, Src: []string{StatePaused.String()}, Dst: StateFeeding.String()},
		{Name: evtFeedComplete, Src: []string{StateFeeding.String()}, Dst: StateResuming.String()},
		{Name: evtResumeConfirmed, Src: []string{StateResuming.String()}, Dst: StatePrinting.String()},
		{Name: evtFatalError, Src: allStates, Dst: StateError.String()},
		{Name: evtOperatorReset, Src: []string{StateError.String()}, Dst: StateIdle.String()},
		{Name: evtPrintComplete, Src: printingPath, Dst: StateIdle.String()},
		{Name: evtPrintCancelled, Src: printingPath, Dst: StateIdle.String()},
	}
}

func (m *Manager) callbacks() fsm.Callbacks {
	return fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			m.onEnterState(ctx, e)
		},
	}
}

// onEnterState runs on every committed transition (the fsm library's
// generic "enter_state" callback fires for every Dst, unlike per-event
// callbacks) and both updates the extruder/error payload and overrides the
// link_up event's destination to the state that was active before
// link_lost, per spec §4.3's "Disconnected -> prior (or Idle)."
func (m *Manager) onEnterState(ctx context.Context, e *fsm.Event) {
	switch e.Event {
	case evtLinkLost:
		m.priorState = State(e.Src)
	case evtLinkUp:
		target := m.priorState
		if target == "" || target == StateDisconnected || target == StateStarting {
			target = StateIdle
		}
		m.sm.SetState(target.String())
	case evtSensorRunout, evtPauseConfirmed, evtRequestFeed, evtFeedComplete, evtResumeConfirmed:
		if len(e.Args) > 0 {
			if extruder, ok := e.Args[0].(int); ok {
				m.extruder = &extruder
			}
		}
	case evtFatalError:
		if len(e.Args) > 0 {
			if kind, ok := e.Args[0].(string); ok {
				m.errKind = kind
			}
		}
	case evtOperatorReset:
		m.errKind = ""
		m.extruder = nil
	case evtPrintStarted, evtPrintComplete, evtPrintCancelled:
		m.extruder = nil
	}

	lg := slog.With("subsystem", "stateman", "event", e.Event, "from", e.Src, "to", m.sm.Current())
	lg.InfoContext(ctx, "state transition")

	change := Change{State: State(m.sm.Current()), ErrKind: m.errKind}
	if m.extruder != nil {
		v := *m.extruder
		change.Extruder = &v
	}
	select {
	case m.changes <- change:
	default:
		lg.WarnContext(ctx, "state change channel full, dropping notification")
	}
}

func (m *Manager) fire(ctx context.Context, event string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := State(m.sm.Current())
	if err := m.sm.Event(ctx, event, args...); err != nil {
		switch err.(type) {
		case fsm.NoTransitionError:
			return nil
		case fsm.InvalidEventError, fsm.UnknownEventError:
			wrapped := &ErrIllegalTransition{Event: event, From: from, Err: err}
			slog.Warn("stateman: illegal transition, no effect", "event", event, "from", from, "error", err)
			return wrapped
		default:
			slog.Error("stateman: unexpected fsm error", "event", event, "from", from, "error", err)
			return err
		}
	}
	return nil
}

// ComponentsReady fires components_ready: Starting -> Idle.
func (m *Manager) ComponentsReady(ctx context.Context) error {
	return m.fire(ctx, evtComponentsReady)
}

// LinkLost fires link_lost: any -> Disconnected.
func (m *Manager) LinkLost(ctx context.Context) error {
	return m.fire(ctx, evtLinkLost)
}

// LinkUp fires link_up: Disconnected -> the state active before link_lost
// (or Idle, if none was recorded or the link was lost from Starting).
func (m *Manager) LinkUp(ctx context.Context) error {
	return m.fire(ctx, evtLinkUp)
}

// PrintStarted fires print_started: Idle -> Printing.
func (m *Manager) PrintStarted(ctx context.Context) error {
	return m.fire(ctx, evtPrintStarted)
}

// SensorRunout fires sensor_runout(e): Printing -> Runout(e).
func (m *Manager) SensorRunout(ctx context.Context, extruder int) error {
	return m.fire(ctx, evtSensorRunout, extruder)
}

// PauseConfirmed fires pause_confirmed: Runout(e) -> Paused(e).
func (m *Manager) PauseConfirmed(ctx context.Context, extruder int) error {
	return m.fire(ctx, evtPauseConfirmed, extruder)
}

// RequestFeed fires request_feed: Paused(e) -> Feeding(e).
func (m *Manager) RequestFeed(ctx context.Context, extruder int) error {
	return m.fire(ctx, evtRequestFeed, extruder)
}

// FeedComplete fires feed_complete: Feeding(e) -> Resuming(e).
func (m *Manager) FeedComplete(ctx context.Context, extruder int) error {
	return m.fire(ctx, evtFeedComplete, extruder)
}

// ResumeConfirmed fires resume_confirmed: Resuming(e) -> Printing.
func (m *Manager) ResumeConfirmed(ctx context.Context, extruder int) error {
	return m.fire(ctx, evtResumeConfirmed, extruder)
}

// FatalError fires fatal_error(k): any -> Error(k).
func (m *Manager) FatalError(ctx context.Context, kind string) error {
	return m.fire(ctx, evtFatalError, kind)
}

// OperatorReset fires operator_reset: Error -> Idle.
func (m *Manager) OperatorReset(ctx context.Context) error {
	return m.fire(ctx, evtOperatorReset)
}

// PrintComplete fires print_complete: any print-path state -> Idle.
func (m *Manager) PrintComplete(ctx context.Context) error {
	return m.fire(ctx, evtPrintComplete)
}

// PrintCancelled fires print_cancelled: any print-path state -> Idle.
func (m *Manager) PrintCancelled(ctx context.Context) error {
	return m.fire(ctx, evtPrintCancelled)
}
