package protocol

import "errors"

// Protocol-level errors, per the taxonomy in spec §7.
var (
	ErrHandshakeTimeout  = errors.New("protocol: handshake timeout")
	ErrVersionMismatch   = errors.New("protocol: version mismatch")
	ErrMalformedFrame    = errors.New("protocol: malformed frame")
	ErrChecksumMismatch  = errors.New("protocol: checksum mismatch")
	ErrLengthMismatch    = errors.New("protocol: length mismatch")
	ErrPacketOutOfRange  = errors.New("protocol: packet number out of range")
	ErrTransferTimeout   = errors.New("protocol: transfer timeout")
	ErrNoActiveSession   = errors.New("protocol: no active session")
	ErrSessionIDMismatch = errors.New("protocol: session id mismatch")
)

// RFID error codes carried by command 0x19, per spec §7.
type RFIDErrorCode byte

const (
	RFIDErrReadFail      RFIDErrorCode = 0x01
	RFIDErrNoFilament    RFIDErrorCode = 0x02
	RFIDErrInvalidData   RFIDErrorCode = 0x03
	RFIDErrTimeout       RFIDErrorCode = 0x04
	RFIDErrNoMapping     RFIDErrorCode = 0x05
	RFIDErrBusy          RFIDErrorCode = 0x06
)

// RFIDExtendedErrorCode narrows RFIDErrReadFail's cause, per spec §7.
type RFIDExtendedErrorCode byte

const (
	RFIDExtUARTError    RFIDExtendedErrorCode = 0x01
	RFIDExtChecksum     RFIDExtendedErrorCode = 0x02
	RFIDExtNoTag        RFIDExtendedErrorCode = 0x03
	RFIDExtAuthFailure  RFIDExtendedErrorCode = 0x04
)
