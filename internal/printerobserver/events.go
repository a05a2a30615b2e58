// Package printerobserver implements the printer-side collaborator
// boundary of spec §4/§6: a thin adapter that subscribes to printer
// status (gorilla/websocket push, falling back to HTTP polling) and
// offers the action primitives pause/resume/cancel/run-gcode/set-temp.
// Only the contract named in spec.md is implemented — printer internals
// are out of scope.
package printerobserver

// PrintState is one of the six printer states spec §6 names.
type PrintState string

const (
	PrintStandby   PrintState = "standby"
	PrintPrinting  PrintState = "printing"
	PrintPaused    PrintState = "paused"
	PrintComplete  PrintState = "complete"
	PrintCancelled PrintState = "cancelled"
	PrintError     PrintState = "error"
)

// ObserverEvent is the tagged union the orchestrator drains, per spec
// §9's "dynamic typed payloads become tagged variants" design note.
type ObserverEvent interface {
	isObserverEvent()
}

// PrintStateChanged reports a change in the printer's overall print state
// and which extruder is currently active.
type PrintStateChanged struct {
	State          PrintState
	ActiveExtruder int
}

// SensorChanged reports one named filament sensor's detected/not-detected
// transition.
type SensorChanged struct {
	Sensor           string
	Extruder         int
	FilamentDetected bool
}

// PrinterUnreachable is emitted when the printer cannot be reached at all
// (neither websocket nor HTTP poll succeeds), per spec §7's Observer
// taxonomy.
type PrinterUnreachable struct {
	Err error
}

// SubscribeFailed is emitted whenever the websocket session fails to
// connect or drops, just before the client falls back to HTTP polling;
// whether the HTTP surface is reachable is not yet known at that point.
type SubscribeFailed struct {
	Err error
}

func (PrintStateChanged) isObserverEvent()  {}
func (SensorChanged) isObserverEvent()      {}
func (PrinterUnreachable) isObserverEvent() {}
func (SubscribeFailed) isObserverEvent()    {}
