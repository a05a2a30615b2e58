package orchestrator

import (
	"context"
	"log/slog"

	"github.com/mingda3d/filament-hub/internal/printerobserver"
	"github.com/mingda3d/filament-hub/internal/protocol"
)

func (o *Orchestrator) handleObserverEvent(ctx context.Context, evt printerobserver.ObserverEvent) {
	lg := slog.With("subsystem", "orchestrator", "source", "observer")

	switch e := evt.(type) {
	case printerobserver.SensorChanged:
		o.handleSensorChanged(ctx, lg, e)
	case printerobserver.PrintStateChanged:
		o.handlePrintStateChanged(ctx, lg, e)
	case printerobserver.PrinterUnreachable:
		lg.Warn("orchestrator: printer unreachable", "error", e.Err)
	case printerobserver.SubscribeFailed:
		lg.Warn("orchestrator: printer subscribe failed", "error", e.Err)
	default:
		lg.Warn("orchestrator: unhandled observer event", "type", e)
	}
}

// handleSensorChanged implements spec §4.4's "on an observer event
// reporting sensor transition to 'no filament' while Printing, triggers
// the sensor_runout transition for the affected extruder."
func (o *Orchestrator) handleSensorChanged(ctx context.Context, lg *slog.Logger, e printerobserver.SensorChanged) {
	o.mu.Lock()
	extruder, known := o.sensorByID[e.Sensor]
	if zone, ok := o.mapping[extruder]; known && ok {
		o.zonesSeen[zone] = e.FilamentDetected
	}
	o.mu.Unlock()

	if !known || e.FilamentDetected {
		return
	}
	if !o.cfg.FilamentRunout.Enabled {
		return
	}
	if o.sm.Current() != "printing" {
		return
	}

	lg.Warn("orchestrator: filament runout detected", "sensor", e.Sensor, "extruder", extruder)
	if err := o.sm.SensorRunout(ctx, extruder); err != nil {
		lg.Warn("orchestrator: sensor_runout transition rejected", "error", err)
		return
	}

	if err := o.observer.Pause(ctx); err != nil {
		lg.Error("orchestrator: pausing print on runout", "extruder", extruder, "error", err)
	}
	if err := o.engine.SendPrintStateNotify(protocol.PrintPaused, &extruder); err != nil {
		lg.Error("orchestrator: notifying cabinet of runout pause", "extruder", extruder, "error", err)
	}
}

// handlePrintStateChanged drives the remaining confirmations in spec
// §4.3's table — pause_confirmed, resume_confirmed, print_started — plus
// the print_complete/print_cancelled supplement (DESIGN.md).
func (o *Orchestrator) handlePrintStateChanged(ctx context.Context, lg *slog.Logger, e printerobserver.PrintStateChanged) {
	current := o.sm.Current()

	switch e.State {
	case printerobserver.PrintPrinting:
		switch current {
		case "idle":
			if err := o.sm.PrintStarted(ctx); err != nil {
				lg.Warn("orchestrator: print_started transition rejected", "error", err)
				return
			}
			if err := o.engine.SendPrintStateNotify(protocol.PrintStarted, nil); err != nil {
				lg.Error("orchestrator: notifying cabinet of print start", "error", err)
			}
		case "resuming":
			extruder := o.sm.CurrentExtruder()
			if extruder == nil {
				return
			}
			if err := o.sm.ResumeConfirmed(ctx, *extruder); err != nil {
				lg.Warn("orchestrator: resume_confirmed transition rejected", "error", err)
				return
			}
			if err := o.engine.SendPrintStateNotify(protocol.PrintResumed, extruder); err != nil {
				lg.Error("orchestrator: notifying cabinet of resume", "error", err)
			}
		}

	case printerobserver.PrintPaused:
		if current != "runout" {
			return
		}
		extruder := o.sm.CurrentExtruder()
		if extruder == nil {
			return
		}
		if err := o.sm.PauseConfirmed(ctx, *extruder); err != nil {
			lg.Warn("orchestrator: pause_confirmed transition rejected", "error", err)
			return
		}
		if err := o.engine.SendRequestFeed(*extruder, false); err == nil {
			o.fireRequestFeed(ctx, lg, *extruder)
		} else {
			lg.Error("orchestrator: requesting feed after pause confirmation", "extruder", *extruder, "error", err)
		}

	case printerobserver.PrintComplete:
		if err := o.sm.PrintComplete(ctx); err != nil {
			lg.Warn("orchestrator: print_complete transition rejected", "error", err)
			return
		}
		if err := o.engine.SendPrintStateNotify(protocol.PrintCompleted, nil); err != nil {
			lg.Error("orchestrator: notifying cabinet of print completion", "error", err)
		}

	case printerobserver.PrintCancelled:
		if err := o.sm.PrintCancelled(ctx); err != nil {
			lg.Warn("orchestrator: print_cancelled transition rejected", "error", err)
			return
		}
		if err := o.engine.SendPrintStateNotify(protocol.PrintCancelled, nil); err != nil {
			lg.Error("orchestrator: notifying cabinet of print cancellation", "error", err)
		}

	case printerobserver.PrintError:
		if err := o.sm.FatalError(ctx, "observer: printer reported error state"); err != nil {
			lg.Warn("orchestrator: fatal_error transition rejected", "error", err)
		}
		if err := o.engine.SendPrintStateNotify(protocol.PrintErrorCmd, nil); err != nil {
			lg.Error("orchestrator: notifying cabinet of print error", "error", err)
		}
	}
}

// fireRequestFeed drives Paused(e) -> Feeding(e) after the outbound 0x01
// send succeeds, per spec §4.3's "Paused(e), request_feed, Feeding(e)".
func (o *Orchestrator) fireRequestFeed(ctx context.Context, lg *slog.Logger, extruder int) {
	if err := o.sm.RequestFeed(ctx, extruder); err != nil {
		lg.Warn("orchestrator: request_feed transition rejected", "error", err)
	}
}
