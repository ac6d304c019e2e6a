package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrIllegalName is returned by ValidateName for names that cannot be used
// as a username or a file in the store.
var ErrIllegalName = errors.New("illegal name")

// Message is a decoded frame. Only the fields relevant to Opcode are set.
type Message struct {
	Opcode Opcode

	// RRQ, WRQ, LOGRQ, DELRQ, BCAST
	Name string

	// DATA, ACK
	Block uint16

	// DATA
	Data []byte

	// ERROR
	ErrorCode ErrorCode
	ErrorMsg  string

	// BCAST
	Added bool
}

// Parse interprets a complete frame as produced by FrameDecoder.
func Parse(frame []byte) (*Message, error) {
	if len(frame) < OpcodeSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	msg := &Message{Opcode: Opcode(binary.BigEndian.Uint16(frame[:2]))}
	body := frame[2:]

	switch msg.Opcode {
	case OpRRQ, OpWRQ, OpLOGRQ, OpDELRQ:
		name, err := readNullString(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", msg.Opcode, err)
		}
		msg.Name = name
	case OpDATA:
		if len(body) < 4 {
			return nil, fmt.Errorf("failed to parse DATA: header truncated")
		}
		size := int(binary.BigEndian.Uint16(body[0:2]))
		msg.Block = binary.BigEndian.Uint16(body[2:4])
		if size > BlockSize {
			return nil, fmt.Errorf("failed to parse DATA: size %d exceeds block size", size)
		}
		if len(body)-4 != size {
			return nil, fmt.Errorf("failed to parse DATA: size field %d, payload %d", size, len(body)-4)
		}
		msg.Data = append([]byte(nil), body[4:]...)
	case OpACK:
		if len(body) != 2 {
			return nil, fmt.Errorf("failed to parse ACK: %d byte body", len(body))
		}
		msg.Block = binary.BigEndian.Uint16(body)
	case OpERROR:
		if len(body) < 3 {
			return nil, fmt.Errorf("failed to parse ERROR: body truncated")
		}
		msg.ErrorCode = ErrorCode(binary.BigEndian.Uint16(body[0:2]))
		text, err := readNullString(body[2:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse ERROR: %w", err)
		}
		msg.ErrorMsg = text
	case OpBCAST:
		if len(body) < 2 {
			return nil, fmt.Errorf("failed to parse BCAST: body truncated")
		}
		msg.Added = body[0] == 1
		name, err := readNullString(body[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse BCAST: %w", err)
		}
		msg.Name = name
	case OpDIRQ, OpDISC:
		if len(body) != 0 {
			return nil, fmt.Errorf("failed to parse %s: unexpected %d byte body", msg.Opcode, len(body))
		}
	default:
		return nil, fmt.Errorf("unknown opcode: %d", uint16(msg.Opcode))
	}

	return msg, nil
}

// readNullString returns the UTF-8 text before the trailing 0 byte. The
// terminator must be the last byte of b.
func readNullString(b []byte) (string, error) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return "", errors.New("missing string terminator")
	}
	text := b[:len(b)-1]
	if bytes.IndexByte(text, 0) >= 0 {
		return "", errors.New("embedded NUL in string")
	}
	if !utf8.Valid(text) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(text), nil
}

// ValidateName checks a username or filename received from a peer.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrIllegalName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrIllegalName, name)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrIllegalName, name)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrIllegalName)
	}
	return nil
}
