package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// reaperInterval is how often the reaper loop sweeps for sessions that have
// gone quiet past the engine's configured transfer timeout (spec §4.2.3's
// "Timeout" rule, default 10s).
const reaperInterval = 1 * time.Second

// rfidSession tracks one in-flight RFID fragmented transfer, per spec §3's
// "RFID transfer session" entity.
type rfidSession struct {
	mu sync.Mutex

	sessionID    byte
	extruderID   int
	channelID    int
	totalPackets int
	expectedLen  int
	received     []byte
	nextPacketNo int // next packet number expected, 1-based
	startedAt    time.Time
	lastProgress time.Time
	source       RFIDSource
}

func newRFIDSession(sessionID byte, extruderID, channelID, totalPackets, expectedLen int, source RFIDSource) *rfidSession {
	now := time.Now()
	return &rfidSession{
		sessionID:    sessionID,
		extruderID:   extruderID,
		channelID:    channelID,
		totalPackets: totalPackets,
		expectedLen:  expectedLen,
		received:     make([]byte, 0, expectedLen),
		nextPacketNo: 1,
		startedAt:    now,
		lastProgress: now,
		source:       source,
	}
}

// handleRFIDStart implements spec §4.2.3's START packet handling for both
// 0x14 (NOTIFY, cabinet push) and 0x16 (RESPONSE, reply to our 0x15): the
// extruder-id/channel-id byte positions swap between the two.
//
// Payload (8 bytes, byte 0 is the command): session_id, channel_id/
// extruder_id (swapped per cmd), total_packets, length_hi, length_lo,
// extruder_id/channel_id (swapped), source_flag.
func (e *Engine) handleRFIDStart(cmd byte, payload []byte) {
	if len(payload) < 8 {
		slog.Warn("protocol: malformed RFID start packet", "len", len(payload))
		return
	}
	sessionID := payload[1]
	b2 := int(payload[2])
	totalPackets := int(payload[3])
	length := int(payload[4])<<8 | int(payload[5])
	b6 := int(payload[6])
	sourceFlag := payload[7]

	var channelID, extruderID int
	var source RFIDSource
	if cmd == CmdRFIDNotifyStart {
		channelID, extruderID = b2, b6
		source = RFIDSourceRFID
	} else {
		extruderID, channelID = b2, b6
		source = RFIDSourceManual
	}
	_ = sourceFlag

	e.sessMu.Lock()
	old, hadOld := e.sessions[extruderID]
	sess := newRFIDSession(sessionID, extruderID, channelID, totalPackets, length, source)
	e.sessions[extruderID] = sess
	e.sessMu.Unlock()

	if hadOld {
		if old.sessionID == sessionID {
			// Restart of the same session: drop and recreate cleanly.
			slog.Debug("protocol: RFID session restart", "extruder", extruderID, "session", sessionID)
		} else {
			slog.Warn("protocol: new RFID START cancels in-flight session", "extruder", extruderID, "old_session", old.sessionID, "new_session", sessionID)
		}
		// Per spec §4.2.3, a new START for an extruder with an active
		// session cancels the old one; surface that as an abort rather
		// than silently dropping it, so the orchestrator/diagnostics can
		// tell "cancelled" apart from "simply replaced."
		e.emit(RFIDSessionAborted{
			ExtruderID: extruderID,
			Reason:     fmt.Errorf("protocol: superseded by new START (session %#02x)", sessionID),
		})
	}

	e.emit(RFIDSessionStarted{ExtruderID: extruderID, ChannelID: channelID, Source: source})

	if length == 0 {
		// Boundary case, spec §8: L=0 produces no DATA packets and is
		// finalized purely by the END packet the cabinet still sends.
		return
	}
}

// handleRFIDData implements spec §4.2.3's DATA packet handling: append
// data at offset (packet_no-1)*4, tolerating non-monotonic packet_no,
// mismatched session_id, or an out-of-range valid_byte_count by dropping
// the packet without aborting the session.
func (e *Engine) handleRFIDData(payload []byte) {
	if len(payload) < 4 {
		slog.Warn("protocol: malformed RFID data packet", "len", len(payload))
		return
	}
	sessionID := payload[1]
	packetNo := int(payload[2])
	validBytes := int(payload[3])
	data := payload[4:]
	if validBytes < 1 || validBytes > 4 || validBytes > len(data) {
		slog.Warn("protocol: RFID data packet has invalid byte count, dropping", "valid_bytes", validBytes)
		return
	}
	data = data[:validBytes]

	sess := e.sessionForData(sessionID, packetNo)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	offset := (packetNo - 1) * 4
	if offset > sess.expectedLen {
		slog.Warn("protocol: RFID packet offset beyond expected length, dropping", "offset", offset, "expected", sess.expectedLen)
		return
	}
	if offset+validBytes > sess.expectedLen {
		slog.Warn("protocol: RFID packet exceeds remaining expected bytes, dropping", "offset", offset, "valid_bytes", validBytes, "expected", sess.expectedLen)
		return
	}

	if offset == len(sess.received) {
		sess.received = append(sess.received, data...)
		if packetNo >= sess.nextPacketNo {
			sess.nextPacketNo = packetNo + 1
		}
	} else if offset < len(sess.received) {
		// Retransmission of an already-received packet: idempotent if the
		// data matches, per spec §8's boundary behavior; a mismatch is
		// treated as a checksum-class error and aborts the session.
		end := offset + validBytes
		if end <= len(sess.received) {
			for i, b := range data {
				if sess.received[offset+i] != b {
					sess.mu.Unlock()
					e.abortSession(sess.extruderID, fmt.Errorf("%w: retransmitted packet %d mismatches", ErrChecksumMismatch, packetNo))
					return
				}
			}
		}
	} else {
		// offset beyond what we've received so far: out-of-order arrival
		// ahead of the current tail. Tolerated per spec §5(c) — buffer the
		// gap isn't representable in a flat slice, so the packet is
		// dropped and expected to be retransmitted by the cabinet.
		slog.Warn("protocol: out-of-order RFID packet ahead of buffer tail, dropping", "offset", offset, "have", len(sess.received))
		return
	}
	sess.lastProgress = time.Now()
}

func (e *Engine) sessionForData(sessionID byte, packetNo int) *rfidSession {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	for _, sess := range e.sessions {
		sess.mu.Lock()
		matches := sess.sessionID == sessionID
		sess.mu.Unlock()
		if matches {
			if packetNo < 1 || packetNo > sess.totalPackets {
				slog.Warn("protocol: RFID packet_no out of range, dropping", "packet_no", packetNo, "total", sess.totalPackets)
				return nil
			}
			return sess
		}
	}
	slog.Debug("protocol: RFID data packet for unknown session, dropping", "session_id", sessionID)
	return nil
}

// handleRFIDEnd implements spec §4.2.3's finalization steps 1-5.
func (e *Engine) handleRFIDEnd(payload []byte) {
	if len(payload) < 6 {
		slog.Warn("protocol: malformed RFID end packet", "len", len(payload))
		return
	}
	sessionID := payload[1]
	totalPackets := int(payload[2])
	checksum := uint16(payload[3])<<8 | uint16(payload[4])

	sess := e.sessionBySessionID(sessionID)
	if sess == nil {
		slog.Debug("protocol: RFID END for unknown session, dropping")
		return
	}

	sess.mu.Lock()
	extruderID := sess.extruderID
	if totalPackets != sess.totalPackets {
		sess.mu.Unlock()
		e.abortSession(extruderID, fmt.Errorf("%w: END declares %d packets, START declared %d", ErrLengthMismatch, totalPackets, sess.totalPackets))
		return
	}
	if len(sess.received) != sess.expectedLen {
		sess.mu.Unlock()
		e.abortSession(extruderID, fmt.Errorf("%w: received %d bytes, expected %d", ErrLengthMismatch, len(sess.received), sess.expectedLen))
		return
	}
	var sum uint16
	for _, b := range sess.received {
		sum += uint16(b)
	}
	data := make([]byte, len(sess.received))
	copy(data, sess.received)
	startedAt := sess.startedAt
	channelID := sess.channelID
	sess.mu.Unlock()

	if sum != checksum {
		e.abortSession(extruderID, fmt.Errorf("%w: computed %#04x, END declares %#04x", ErrChecksumMismatch, sum, checksum))
		return
	}

	e.sessMu.Lock()
	delete(e.sessions, extruderID)
	e.sessMu.Unlock()

	e.emit(RFIDSessionComplete{
		ExtruderID: extruderID,
		ChannelID:  channelID,
		Data:       data,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	})
}

// handleRFIDError implements spec §4.2.3's 0x19: cancels any active
// session for the named extruder and emits an error event.
func (e *Engine) handleRFIDError(payload []byte) {
	if len(payload) < 4 {
		slog.Warn("protocol: malformed RFID error frame", "len", len(payload))
		return
	}
	extruderID := int(payload[1])
	primary := RFIDErrorCode(payload[2])
	extended := RFIDExtendedErrorCode(payload[3])
	e.abortSession(extruderID, fmt.Errorf("protocol: RFID error primary=%#02x extended=%#02x", byte(primary), byte(extended)))
}

func (e *Engine) sessionBySessionID(sessionID byte) *rfidSession {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	for _, sess := range e.sessions {
		sess.mu.Lock()
		matches := sess.sessionID == sessionID
		sess.mu.Unlock()
		if matches {
			return sess
		}
	}
	return nil
}

func (e *Engine) abortSession(extruderID int, reason error) {
	e.sessMu.Lock()
	_, ok := e.sessions[extruderID]
	if ok {
		delete(e.sessions, extruderID)
	}
	e.sessMu.Unlock()
	if !ok {
		return
	}
	slog.Warn("protocol: RFID session aborted", "extruder", extruderID, "reason", reason)
	e.emit(RFIDSessionAborted{ExtruderID: extruderID, Reason: reason})
}

// reaperLoop sweeps active RFID sessions every interval, aborting any whose
// last progress predates the engine's transfer timeout.
func (e *Engine) reaperLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStaleSessions()
		}
	}
}

func (e *Engine) reapStaleSessions() {
	now := time.Now()
	var stale []int

	e.sessMu.Lock()
	for extruderID, sess := range e.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastProgress)
		sess.mu.Unlock()
		if idle > e.transferTimeout {
			stale = append(stale, extruderID)
		}
	}
	e.sessMu.Unlock()

	for _, extruderID := range stale {
		e.abortSession(extruderID, ErrTransferTimeout)
	}
}

func (e *Engine) cancelAllSessions(reason error) {
	e.sessMu.Lock()
	extruders := make([]int, 0, len(e.sessions))
	for id := range e.sessions {
		extruders = append(extruders, id)
	}
	e.sessions = make(map[int]*rfidSession)
	e.sessMu.Unlock()

	for _, id := range extruders {
		e.emit(RFIDSessionAborted{ExtruderID: id, Reason: reason})
	}
}
