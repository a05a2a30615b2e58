package protocol

import "github.com/mingda3d/filament-hub/internal/canbus"

// FilamentStatus is the per-zone filament-present bitmap of spec §3: bit i
// set means buffer zone i currently has filament. Unused bits are zero.
type FilamentStatus struct {
	Bitmap byte
}

// EncodeFilamentStatus packs a zone-id -> present map into a bitmap,
// per spec §3/§8's round-trip law.
func EncodeFilamentStatus(zonesPresent map[int]bool) FilamentStatus {
	var b byte
	for zone, present := range zonesPresent {
		if !present || zone < 0 || zone > 7 {
			continue
		}
		b |= 1 << uint(zone)
	}
	return FilamentStatus{Bitmap: b}
}

// Decode returns the present/absent state of every zone bit the bitmap
// carries, the inverse of EncodeFilamentStatus.
func (s FilamentStatus) Decode(zoneCount int) map[int]bool {
	out := make(map[int]bool, zoneCount)
	for zone := 0; zone < zoneCount && zone < 8; zone++ {
		out[zone] = s.Bitmap&(1<<uint(zone)) != 0
	}
	return out
}

const (
	filamentStatusValidityOK = 0x00
)

func appFrame(payload ...byte) (canbus.Frame, error) {
	return canbus.NewFrame(IDAppPrinterToCabinet, payload...)
}

// EncodeRequestFeed builds command 0x01: [cmd, extruder_id, force].
func EncodeRequestFeed(extruderID int, force bool) (canbus.Frame, error) {
	var f byte
	if force {
		f = 1
	}
	return appFrame(CmdRequestFeed, byte(extruderID), f)
}

// EncodeCancelFeed builds command 0x02: [cmd, extruder_id].
func EncodeCancelFeed(extruderID int) (canbus.Frame, error) {
	return appFrame(CmdCancelFeed, byte(extruderID))
}

// EncodeFilamentStatusResponse builds command 0x0E: [cmd, validity, bitmap],
// the synchronous reply to inbound 0x0D (or its deprecated 0x03 alias).
func EncodeFilamentStatusResponse(status FilamentStatus) (canbus.Frame, error) {
	return appFrame(CmdFilamentStatus, filamentStatusValidityOK, status.Bitmap)
}

// MappingTriple is one (extruder_id, buffer_zone_id) entry of a mapping
// response, per spec §4.2.4's "mapping_triples…" payload shape. It is
// encoded as two bytes; no reserved byte is sent.
type MappingTriple struct {
	ExtruderID int
	ZoneID     int
}

// EncodeMappingResponse builds command 0x0B: [cmd, mapping_triples...].
// Each triple occupies 2 bytes (extruder id, zone id); payload length is
// capped by the 8-byte frame, so at most 3 triples fit per frame. Triples
// beyond the third are dropped; the response is not split across frames.
func EncodeMappingResponse(triples []MappingTriple) (canbus.Frame, error) {
	payload := []byte{CmdMappingResponse}
	for _, t := range triples {
		if len(payload)+2 > canbus.MaxPayload {
			break
		}
		payload = append(payload, byte(t.ExtruderID), byte(t.ZoneID))
	}
	return canbus.NewFrame(IDAppPrinterToCabinet, payload...)
}

// PrintStateCommand maps a print-state transition to its notify command
// code, per spec §6's 0x04..0x09 range.
type PrintStateCommand byte

const (
	PrintStarted   PrintStateCommand = PrintStateCommand(CmdPrintStarted)
	PrintPaused    PrintStateCommand = PrintStateCommand(CmdPrintPaused)
	PrintResumed   PrintStateCommand = PrintStateCommand(CmdPrintResumed)
	PrintCompleted PrintStateCommand = PrintStateCommand(CmdPrintCompleted)
	PrintCancelled PrintStateCommand = PrintStateCommand(CmdPrintCancelled)
	PrintErrorCmd  PrintStateCommand = PrintStateCommand(CmdPrintError)
)

// EncodePrintStateNotify builds one of commands 0x04..0x09, optionally
// carrying the affected extruder id as a second byte.
func EncodePrintStateNotify(cmd PrintStateCommand, extruderID *int) (canbus.Frame, error) {
	payload := []byte{byte(cmd)}
	if extruderID != nil {
		payload = append(payload, byte(*extruderID))
	}
	return appFrame(payload...)
}

// EncodeRFIDDataRequest builds command 0x15: [cmd, seq, extruder_id].
func EncodeRFIDDataRequest(seq uint8, extruderID int) (canbus.Frame, error) {
	return appFrame(CmdRFIDDataRequest, seq, byte(extruderID))
}
