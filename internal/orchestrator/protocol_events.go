package orchestrator

import (
	"context"
	"log/slog"

	"github.com/mingda3d/filament-hub/internal/protocol"
	"github.com/mingda3d/filament-hub/internal/rfid"
)

func (o *Orchestrator) handleProtocolEvent(ctx context.Context, evt protocol.InboundEvent) {
	lg := slog.With("subsystem", "orchestrator", "source", "protocol")

	switch e := evt.(type) {
	case protocol.HandshakeAccepted:
		lg.Info("orchestrator: handshake accepted", "version", e.Version)
		o.logError(lg, "components_ready", o.sm.ComponentsReady(ctx))

	case protocol.LinkRestored:
		lg.Info("orchestrator: link restored")
		o.logError(lg, "link_up", o.sm.LinkUp(ctx))

	case protocol.LinkLost:
		lg.Warn("orchestrator: link lost", "reason", e.Reason)
		o.logError(lg, "link_lost", o.sm.LinkLost(ctx))

	case protocol.FatalProtocolError:
		lg.Error("orchestrator: fatal protocol error", "error", e.Err)
		o.logError(lg, "fatal_error", o.sm.FatalError(ctx, e.Err.Error()))

	case protocol.FilamentStatusQuery:
		o.handleFilamentStatusQuery(ctx, lg, e)

	case protocol.MappingQuery:
		o.handleMappingQuery(lg)

	case protocol.MappingSet:
		o.handleMappingSet(lg, e)

	case protocol.RFIDSessionStarted:
		lg.Info("orchestrator: RFID session started", "extruder", e.ExtruderID, "channel", e.ChannelID, "source", e.Source)

	case protocol.RFIDSessionComplete:
		o.handleRFIDSessionComplete(ctx, lg, e)

	case protocol.RFIDSessionAborted:
		lg.Warn("orchestrator: RFID session aborted", "extruder", e.ExtruderID, "reason", e.Reason)

	default:
		lg.Warn("orchestrator: unhandled protocol event", "type", e)
	}
}

// handleFilamentStatusQuery implements spec §4.4's "on inbound 0x0D ...
// replies with 0x0E", plus DESIGN.md's feed_complete synthesis decision:
// since the command table has no explicit "feed complete" notification,
// completion is inferred from the fed zone's bit turning present while
// Feeding(e) is the current state.
func (o *Orchestrator) handleFilamentStatusQuery(ctx context.Context, lg *slog.Logger, e protocol.FilamentStatusQuery) {
	o.mu.Lock()
	zonesPresent := make(map[int]bool, len(o.zonesSeen))
	for z, present := range o.zonesSeen {
		zonesPresent[z] = present
	}
	mapping := make(map[int]int, len(o.mapping))
	for ex, z := range o.mapping {
		mapping[ex] = z
	}
	o.mu.Unlock()

	status := protocol.EncodeFilamentStatus(zonesPresent)
	if err := o.engine.SendFilamentStatusResponse(status); err != nil {
		lg.Error("orchestrator: sending filament status response", "legacy", e.Legacy, "error", err)
	}

	if o.sm.Current() != "feeding" {
		return
	}
	extruder := o.sm.CurrentExtruder()
	if extruder == nil {
		return
	}
	zone, ok := mapping[*extruder]
	if !ok || !zonesPresent[zone] {
		return
	}

	lg.Info("orchestrator: inferring feed completion from filament-status reply", "extruder", *extruder, "zone", zone)
	if err := o.sm.FeedComplete(ctx, *extruder); err != nil {
		lg.Warn("orchestrator: feed_complete transition rejected", "error", err)
		return
	}
	if err := o.observer.Resume(ctx); err != nil {
		lg.Error("orchestrator: resuming print after feed completion", "error", err)
	}
}

func (o *Orchestrator) handleMappingQuery(lg *slog.Logger) {
	o.mu.Lock()
	triples := make([]protocol.MappingTriple, 0, len(o.mapping))
	for ex, zone := range o.mapping {
		triples = append(triples, protocol.MappingTriple{ExtruderID: ex, ZoneID: zone})
	}
	o.mu.Unlock()

	if err := o.engine.SendMappingResponse(triples); err != nil {
		lg.Error("orchestrator: sending mapping response", "error", err)
	}
}

func (o *Orchestrator) handleMappingSet(lg *slog.Logger, e protocol.MappingSet) {
	o.mu.Lock()
	o.mapping = make(map[int]int, len(e.TubeMapping))
	for ex, z := range e.TubeMapping {
		o.mapping[ex] = z
	}
	o.mu.Unlock()
	lg.Info("orchestrator: extruder mapping updated from cabinet", "mapping", e.TubeMapping)
}

func (o *Orchestrator) handleRFIDSessionComplete(ctx context.Context, lg *slog.Logger, e protocol.RFIDSessionComplete) {
	rec, err := rfid.Parse(e.Data)
	if err != nil {
		lg.Error("orchestrator: parsing RFID record", "extruder", e.ExtruderID, "error", err)
		return
	}

	if o.sink != nil {
		if err := o.sink.Write(e.ExtruderID, rec, e.FinishedAt); err != nil {
			lg.Error("orchestrator: persisting RFID record", "extruder", e.ExtruderID, "error", err)
		}
	}

	lg.Info("orchestrator: RFID record persisted", "extruder", e.ExtruderID, "manufacturer", rec.Manufacturer, "material", rec.Material)

	if o.cfg.RFID.AutoSetTemperature {
		if err := o.observer.SetTemperature(ctx, float64(rec.PrintTempC), float64(rec.BedTempC)); err != nil {
			lg.Error("orchestrator: auto-setting temperature from RFID record", "extruder", e.ExtruderID, "error", err)
		}
	}
}
