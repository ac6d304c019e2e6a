// Package protocol implements the binary wire format of the TFTP variant spoken
// by tftpd: opcodes, packet builders, the incremental frame decoder and the
// parser that turns frames into messages. All multi-byte integers are
// big-endian and every opcode occupies two bytes.
package protocol

import "fmt"

// Opcode identifies the kind of a packet.
type Opcode uint16

// Packet opcodes.
const (
	OpRRQ   Opcode = 1  // Read request: op + filename + 0
	OpWRQ   Opcode = 2  // Write request: op + filename + 0
	OpDATA  Opcode = 3  // Data: op + size(2) + block(2) + payload
	OpACK   Opcode = 4  // Acknowledgment: op + block(2)
	OpERROR Opcode = 5  // Error: op + code(2) + message + 0
	OpDIRQ  Opcode = 6  // Directory listing request: op
	OpLOGRQ Opcode = 7  // Login request: op + username + 0
	OpDELRQ Opcode = 8  // Delete request: op + filename + 0
	OpBCAST Opcode = 9  // Broadcast: op + added(1) + filename + 0
	OpDISC  Opcode = 10 // Disconnect: op
)

var opcodeNames = map[Opcode]string{
	OpRRQ:   "RRQ",
	OpWRQ:   "WRQ",
	OpDATA:  "DATA",
	OpACK:   "ACK",
	OpERROR: "ERROR",
	OpDIRQ:  "DIRQ",
	OpLOGRQ: "LOGRQ",
	OpDELRQ: "DELRQ",
	OpBCAST: "BCAST",
	OpDISC:  "DISC",
}

// String returns the conventional upper-case name of the opcode.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", uint16(o))
}

// Valid reports whether o is one of the known opcodes.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// ErrorCode is the 2-byte code carried by ERROR packets.
type ErrorCode uint16

// Error codes sent to peers.
const (
	ErrNotDefined       ErrorCode = 0
	ErrFileNotFound     ErrorCode = 1
	ErrIllegalOperation ErrorCode = 4
	ErrFileExists       ErrorCode = 5
	ErrNotLoggedIn      ErrorCode = 6
	ErrAlreadyLoggedIn  ErrorCode = 7
)

// defaultErrorMessages holds the text sent alongside each code when the
// caller has nothing more specific to say.
var defaultErrorMessages = map[ErrorCode]string{
	ErrNotDefined:       "Not defined, see error message (if any)",
	ErrFileNotFound:     "File not found",
	ErrIllegalOperation: "Illegal TFTP operation",
	ErrFileExists:       "File already exists",
	ErrNotLoggedIn:      "User not logged in",
	ErrAlreadyLoggedIn:  "User already logged in",
}

// Message returns the default human-readable text for the code.
func (c ErrorCode) Message() string {
	if msg, ok := defaultErrorMessages[c]; ok {
		return msg
	}
	return defaultErrorMessages[ErrNotDefined]
}

// String returns a short label used in logs and audit records.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotDefined:
		return "not_defined"
	case ErrFileNotFound:
		return "file_not_found"
	case ErrIllegalOperation:
		return "illegal_operation"
	case ErrFileExists:
		return "file_exists"
	case ErrNotLoggedIn:
		return "not_logged_in"
	case ErrAlreadyLoggedIn:
		return "already_logged_in"
	default:
		return fmt.Sprintf("code_%d", uint16(c))
	}
}

const (
	// MaxFrameSize bounds the decoder buffer.
	MaxFrameSize = 1024

	// BlockSize is the maximum payload of a single DATA packet. A shorter
	// payload marks the end of a transfer.
	BlockSize = 512

	// OpcodeSize is the size of the opcode field in bytes.
	OpcodeSize = 2

	// DataHeaderSize covers opcode, size and block number of a DATA packet.
	DataHeaderSize = 6
)
