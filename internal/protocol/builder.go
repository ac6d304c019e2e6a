package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs outbound packets field by field.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder whose first field is the opcode.
func NewPacketBuilder(op Opcode) *PacketBuilder {
	b := &PacketBuilder{}
	b.WriteUint16(uint16(op))
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteNullString writes a UTF-8 string followed by a 0 byte.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Pre-built packet constructors ----

// BuildACK creates an ACK packet.
// Format: [op:2][block:2]
func BuildACK(block uint16) []byte {
	return NewPacketBuilder(OpACK).WriteUint16(block).Build()
}

// BuildData creates a DATA packet. The payload must not exceed BlockSize.
// Format: [op:2][size:2][block:2][payload]
func BuildData(block uint16, payload []byte) []byte {
	return NewPacketBuilder(OpDATA).
		WriteUint16(uint16(len(payload))).
		WriteUint16(block).
		WriteBytes(payload).
		Build()
}

// BuildError creates an ERROR packet. An empty message is replaced by the
// default text for the code.
// Format: [op:2][code:2][message:null_str]
func BuildError(code ErrorCode, message string) []byte {
	if message == "" {
		message = code.Message()
	}
	return NewPacketBuilder(OpERROR).
		WriteUint16(uint16(code)).
		WriteNullString(message).
		Build()
}

// BuildBcast creates a BCAST packet announcing an added or deleted file.
// Format: [op:2][added:1][filename:null_str]
func BuildBcast(added bool, filename string) []byte {
	var flag byte
	if added {
		flag = 1
	}
	return NewPacketBuilder(OpBCAST).
		WriteByte(flag).
		WriteNullString(filename).
		Build()
}

// BuildRequest creates a name-carrying request (RRQ, WRQ, LOGRQ, DELRQ).
// Format: [op:2][name:null_str]
func BuildRequest(op Opcode, name string) []byte {
	return NewPacketBuilder(op).WriteNullString(name).Build()
}

// BuildBare creates an opcode-only packet (DIRQ, DISC).
func BuildBare(op Opcode) []byte {
	return NewPacketBuilder(op).Build()
}
