// Package orchestrator implements spec §4.4 and §5: it is the sole
// caller of stateman's transition methods, draining protocol.InboundEvent
// and printerobserver.ObserverEvent on one message pump and issuing
// protocol sends / printer actions as transition side-effects.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mingda3d/filament-hub/internal/config"
	"github.com/mingda3d/filament-hub/internal/printerobserver"
	"github.com/mingda3d/filament-hub/internal/protocol"
	"github.com/mingda3d/filament-hub/internal/rfid"
	"github.com/mingda3d/filament-hub/internal/stateman"
)

// shutdownGrace is the 2s per-task shutdown window of spec §5.
const shutdownGrace = 2 * time.Second

// Engine is the subset of *protocol.Engine the orchestrator drives; kept
// as an interface so tests can substitute a fake.
type Engine interface {
	Events() <-chan protocol.InboundEvent
	SendRequestFeed(extruderID int, force bool) error
	SendFilamentStatusResponse(status protocol.FilamentStatus) error
	SendMappingResponse(triples []protocol.MappingTriple) error
	SendPrintStateNotify(cmd protocol.PrintStateCommand, extruderID *int) error
	SendRFIDDataRequest(extruderID int) error
}

// Observer is the subset of *printerobserver.Client the orchestrator
// drives.
type Observer interface {
	Events() <-chan printerobserver.ObserverEvent
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	SetTemperature(ctx context.Context, hotend, bed float64) error
}

// Orchestrator wires the protocol engine, printer observer, RFID sink, and
// state manager together, per spec §4.4/§5's single-mediator design.
type Orchestrator struct {
	cfg      config.Config
	engine   Engine
	observer Observer
	sm       *stateman.Manager
	sink     *rfid.Sink

	mu         sync.Mutex
	mapping    map[int]int // extruder_id -> buffer_zone_id, mutable per inbound MappingSet
	sensorByID map[string]int
	zonesSeen  map[int]bool // zone_id -> filament present, last known
}

// New constructs an Orchestrator. sink may be nil if rfid.enabled is false.
func New(cfg config.Config, engine Engine, observer Observer, sm *stateman.Manager, sink *rfid.Sink) *Orchestrator {
	mapping := make(map[int]int, len(cfg.ExtruderMapping.TubeMapping))
	for e, z := range cfg.ExtruderMapping.TubeMapping {
		mapping[e] = z
	}
	sensorByID := make(map[string]int, len(cfg.FilamentRunout.Sensors))
	for i, name := range cfg.FilamentRunout.Sensors {
		sensorByID[name] = i
	}
	return &Orchestrator{
		cfg:        cfg,
		engine:     engine,
		observer:   observer,
		sm:         sm,
		sink:       sink,
		mapping:    mapping,
		sensorByID: sensorByID,
		zonesSeen:  make(map[int]bool),
	}
}

// Run is the orchestrator message pump of spec §5: it drains both event
// channels on a single goroutine (the single writer into stateman) until
// ctx is cancelled, then returns once both sources have drained or
// shutdownGrace elapses.
func (o *Orchestrator) Run(ctx context.Context) {
	protoEvents := o.engine.Events()
	obsEvents := o.observer.Events()

	for {
		select {
		case <-ctx.Done():
			o.drain(protoEvents, obsEvents)
			return
		case evt, ok := <-protoEvents:
			if !ok {
				protoEvents = nil
				continue
			}
			o.handleProtocolEvent(ctx, evt)
		case evt, ok := <-obsEvents:
			if !ok {
				obsEvents = nil
				continue
			}
			o.handleObserverEvent(ctx, evt)
		}
	}
}

// drain gives both producers shutdownGrace to finish in-flight sends
// before the orchestrator exits, per spec §5's "must exit within 2s."
func (o *Orchestrator) drain(protoEvents <-chan protocol.InboundEvent, obsEvents <-chan printerobserver.ObserverEvent) {
	deadline := time.After(shutdownGrace)
	for {
		select {
		case <-deadline:
			return
		case _, ok := <-protoEvents:
			if !ok {
				protoEvents = nil
			}
		case _, ok := <-obsEvents:
			if !ok {
				obsEvents = nil
			}
		}
		if protoEvents == nil && obsEvents == nil {
			return
		}
	}
}

func (o *Orchestrator) logError(lg *slog.Logger, action string, err error) {
	if err != nil {
		lg.Error("orchestrator: side effect failed", "action", action, "error", err)
	}
}
