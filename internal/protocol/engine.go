package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mingda3d/filament-hub/internal/canbus"
)

const (
	handshakeRetryInterval = 500 * time.Millisecond
	handshakeDeadline      = 10 * time.Second
	heartbeatInterval      = 1 * time.Second
	heartbeatStaleAfter    = 5 * time.Second
)

// Engine is the protocol engine of spec §4.2: it owns the handshake,
// heartbeat, message codec, and RFID reassembler, sitting on top of a
// canbus.Link. It knows nothing about print state — that is the
// orchestrator's job, driven by the InboundEvent stream Engine produces.
type Engine struct {
	link *canbus.Link

	events chan InboundEvent

	handshakeRespCh chan byte

	sessMu   sync.Mutex
	sessions map[int]*rfidSession // keyed by extruder id

	transferTimeout time.Duration
}

// NewEngine wires an Engine around link. transferTimeout is the RFID
// session inactivity timeout of spec §4.2.3 (configurable, default 10s).
func NewEngine(link *canbus.Link, transferTimeout time.Duration) *Engine {
	if transferTimeout <= 0 {
		transferTimeout = 10 * time.Second
	}
	return &Engine{
		link:            link,
		events:          make(chan InboundEvent, 64),
		handshakeRespCh: make(chan byte, 1),
		sessions:        make(map[int]*rfidSession),
		transferTimeout: transferTimeout,
	}
}

// Events is the tagged-union stream the orchestrator drains, single reader,
// per spec §9's message-passing design.
func (e *Engine) Events() <-chan InboundEvent { return e.events }

// ActiveSessionCount reports how many RFID transfer sessions are currently
// in flight, for the diagnostics surface of SPEC_FULL.md §1.5.
func (e *Engine) ActiveSessionCount() int {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return len(e.sessions)
}

func (e *Engine) emit(evt InboundEvent) {
	select {
	case e.events <- evt:
	default:
		slog.Warn("protocol: event channel full, dropping event", "event", fmt.Sprintf("%T", evt))
	}
}

// Run starts the link, the frame dispatch loop, the heartbeat loop, and the
// RFID session reaper. It blocks until ctx is cancelled or the link halts
// in canbus.StateFault.
func (e *Engine) Run(ctx context.Context) {
	var everUp, currentlyUp bool

	go e.dispatchLoop(ctx)
	go e.heartbeatLoop(ctx)
	go e.reaperLoop(ctx, reaperInterval)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-e.link.StateChanges():
				if !ok {
					return
				}
				switch {
				case s == canbus.StateFault:
					currentlyUp = false
					e.emit(FatalProtocolError{Err: e.link.FaultError()})
					e.cancelAllSessions(ErrNoActiveSession)
					return
				case s == canbus.StateUp && !currentlyUp:
					currentlyUp = true
					if everUp {
						e.emit(LinkRestored{})
					} else {
						e.emit(HandshakeAccepted{Version: ProtocolVersion})
					}
					everUp = true
				case s != canbus.StateUp && currentlyUp:
					currentlyUp = false
					e.emit(LinkLost{Reason: fmt.Errorf("protocol: link left state up")})
					e.cancelAllSessions(ErrNoActiveSession)
				}
			}
		}
	}()

	e.link.Run(ctx, e.handshake)
}

// handshake implements spec §4.2.1: emit a handshake request every 500ms
// until a matching response arrives or the 10s deadline expires.
func (e *Engine) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	req, err := canbus.NewFrame(IDHandshakeRequest, ProtocolVersion)
	if err != nil {
		return fmt.Errorf("protocol: building handshake request: %w", err)
	}

	ticker := time.NewTicker(handshakeRetryInterval)
	defer ticker.Stop()

	// Drain any stale response left over from a previous cycle.
	select {
	case <-e.handshakeRespCh:
	default:
	}

	if err := e.link.Send(req); err != nil {
		slog.Debug("protocol: initial handshake send failed, retrying", "error", err)
	}

	for {
		select {
		case <-hctx.Done():
			return fmt.Errorf("%w", ErrHandshakeTimeout)
		case v := <-e.handshakeRespCh:
			if v != ProtocolVersion {
				err := fmt.Errorf("%w: cabinet reports version %#02x, want %#02x", ErrVersionMismatch, v, ProtocolVersion)
				return &canbus.FatalHandshakeError{Err: err}
			}
			return nil
		case <-ticker.C:
			if err := e.link.Send(req); err != nil {
				slog.Debug("protocol: handshake retry send failed", "error", err)
			}
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.link.State() != canbus.StateUp {
				continue
			}
			if time.Since(e.link.LastRx()) > heartbeatStaleAfter {
				// The link itself keeps no internal staleness timer; the
				// protocol engine is the layer that knows 5s-of-silence
				// means "declare stale" per spec §4.2.1, so it reports
				// the outage directly rather than waiting on a read error
				// that may never come on a healthy-but-quiet bus.
				slog.Warn("protocol: link stale, no inbound frames", "since", e.link.LastRx())
				e.emit(LinkLost{Reason: fmt.Errorf("protocol: heartbeat stale")})
				continue
			}
			e.sendHeartbeat()
		}
	}
}

// sendHeartbeat reuses the printer->cabinet application id with no command
// payload byte set (a zero-length frame acts as the heartbeat beacon; the
// cabinet only needs to observe bus activity).
func (e *Engine) sendHeartbeat() {
	f, err := canbus.NewFrame(IDAppPrinterToCabinet)
	if err != nil {
		slog.Error("protocol: building heartbeat frame", "error", err)
		return
	}
	e.link.SendHeartbeat(f)
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.link.Inbound():
			e.handleFrame(f)
		}
	}
}

func (e *Engine) handleFrame(f canbus.Frame) {
	if f.ID == IDHandshakeResponse {
		if f.Len < 1 {
			slog.Warn("protocol: malformed handshake response", "frame", f)
			return
		}
		select {
		case e.handshakeRespCh <- f.Payload()[0]:
		default:
		}
		return
	}

	if f.ID != IDAppCabinetToPrinter {
		return
	}
	if f.Len < 1 {
		slog.Warn("protocol: malformed frame, empty payload", "frame", f)
		return
	}

	payload := f.Payload()
	cmd := payload[0]
	switch cmd {
	case CmdFilamentStatusQuery:
		e.emit(FilamentStatusQuery{})
	case CmdExtruderStatusQuery:
		e.emit(FilamentStatusQuery{Legacy: true})
	case CmdMappingQuery:
		e.emit(MappingQuery{})
	case CmdMappingSet:
		e.handleMappingSet(payload)
	case CmdRFIDNotifyStart, CmdRFIDResponseStart:
		e.handleRFIDStart(cmd, payload)
	case CmdRFIDData:
		e.handleRFIDData(payload)
	case CmdRFIDEnd:
		e.handleRFIDEnd(payload)
	case CmdRFIDError:
		e.handleRFIDError(payload)
	default:
		slog.Debug("protocol: unhandled command", "cmd", fmt.Sprintf("%#02x", cmd))
	}
}

func (e *Engine) handleMappingSet(payload []byte) {
	mapping := make(map[int]int)
	for i := 1; i+1 < len(payload); i += 2 {
		mapping[int(payload[i])] = int(payload[i+1])
	}
	e.emit(MappingSet{TubeMapping: mapping})
}

// SendRequestFeed implements outbound op "Request feed" (spec §4.2.4):
// fire-and-forget with a 3-retry policy on transport error.
func (e *Engine) SendRequestFeed(extruderID int, force bool) error {
	f, err := EncodeRequestFeed(extruderID, force)
	if err != nil {
		return err
	}
	return e.sendWithRetry(f, 3)
}

// SendCancelFeed implements outbound op "Cancel feed": fire-and-forget.
func (e *Engine) SendCancelFeed(extruderID int) error {
	f, err := EncodeCancelFeed(extruderID)
	if err != nil {
		return err
	}
	return e.sendWithRetry(f, 1)
}

// SendFilamentStatusResponse implements the synchronous reply to inbound
// 0x0D (or 0x03).
func (e *Engine) SendFilamentStatusResponse(status FilamentStatus) error {
	f, err := EncodeFilamentStatusResponse(status)
	if err != nil {
		return err
	}
	return e.link.Send(f)
}

// SendMappingResponse implements the synchronous reply to inbound 0x0A.
func (e *Engine) SendMappingResponse(triples []MappingTriple) error {
	f, err := EncodeMappingResponse(triples)
	if err != nil {
		return err
	}
	return e.link.Send(f)
}

// SendPrintStateNotify implements the "Print state notify" outbound op,
// emitted on state transitions (spec §4.3's side-effects column).
func (e *Engine) SendPrintStateNotify(cmd PrintStateCommand, extruderID *int) error {
	f, err := EncodePrintStateNotify(cmd, extruderID)
	if err != nil {
		return err
	}
	return e.sendWithRetry(f, 3)
}

// SendRFIDDataRequest implements outbound op "RFID data request" (0x15):
// fire-and-forget.
func (e *Engine) SendRFIDDataRequest(extruderID int) error {
	seq := e.link.NextSeq()
	f, err := EncodeRFIDDataRequest(seq, extruderID)
	if err != nil {
		return err
	}
	return e.link.Send(f)
}

func (e *Engine) sendWithRetry(f canbus.Frame, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := e.link.Send(f); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("protocol: send failed after %d attempts: %w", attempts, lastErr)
}
