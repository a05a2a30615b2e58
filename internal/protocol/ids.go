// Package protocol implements the application-level CAN message codec,
// link handshake/heartbeat, and RFID fragmented-transfer reassembler
// described in spec §4.2. It depends on internal/canbus for raw frame I/O
// only; it owns no socket of its own.
package protocol

// CAN identifiers, per spec §6.
const (
	IDAppPrinterToCabinet uint16 = 0x10A
	IDAppCabinetToPrinter uint16 = 0x10B
	IDHandshakeRequest    uint16 = 0x3F0 // printer -> cabinet
	IDHandshakeResponse   uint16 = 0x3F1 // cabinet -> printer
)

// Command codes (payload byte 0), per spec §6.
const (
	CmdRequestFeed         byte = 0x01
	CmdCancelFeed          byte = 0x02
	CmdExtruderStatusQuery byte = 0x03 // deprecated alias of CmdFilamentStatusQuery, spec §9
	CmdPrintStarted        byte = 0x04
	CmdPrintPaused         byte = 0x05
	CmdPrintResumed        byte = 0x06
	CmdPrintCompleted      byte = 0x07
	CmdPrintCancelled      byte = 0x08
	CmdPrintError          byte = 0x09
	CmdMappingQuery        byte = 0x0A
	CmdMappingResponse     byte = 0x0B
	CmdMappingSet          byte = 0x0C
	CmdFilamentStatusQuery byte = 0x0D
	CmdFilamentStatus      byte = 0x0E
	CmdRFIDNotifyStart     byte = 0x14
	CmdRFIDDataRequest     byte = 0x15
	CmdRFIDResponseStart   byte = 0x16
	CmdRFIDData            byte = 0x17
	CmdRFIDEnd             byte = 0x18
	CmdRFIDError           byte = 0x19
)

// ProtocolVersion is the handshake version byte this engine implements.
const ProtocolVersion byte = 0x01
