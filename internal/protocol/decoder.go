package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrFrameTooLarge is returned when a frame would exceed MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameDecoder reassembles frames from a byte stream one octet at a time.
// The end of a frame is decided by an opcode-specific rule; after a frame is
// emitted the decoder is empty again. A FrameDecoder is owned by a single
// connection and is not safe for concurrent use.
type FrameDecoder struct {
	buf      [MaxFrameSize]byte
	n        int
	opcode   Opcode
	dataSize int

	// bytes of an oversized DATA frame still to be skipped
	discard int
}

// NewFrameDecoder creates an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{dataSize: -1}
}

// Feed consumes one byte. It returns the complete frame when b finishes one,
// or nil while more bytes are needed. On error the partial frame is dropped.
func (d *FrameDecoder) Feed(b byte) ([]byte, error) {
	if d.discard > 0 {
		d.discard--
		if d.discard == 0 {
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	}
	if d.n == MaxFrameSize {
		d.Reset()
		return nil, ErrFrameTooLarge
	}
	d.buf[d.n] = b
	d.n++

	if d.n < OpcodeSize {
		return nil, nil
	}
	if d.n == OpcodeSize {
		d.opcode = Opcode(binary.BigEndian.Uint16(d.buf[:2]))
	}
	return d.complete()
}

// complete applies the end-of-frame rule for the current opcode.
func (d *FrameDecoder) complete() ([]byte, error) {
	last := d.buf[d.n-1]

	switch d.opcode {
	case OpRRQ, OpWRQ, OpLOGRQ, OpDELRQ:
		if d.n > OpcodeSize && last == 0 {
			return d.pop(), nil
		}
	case OpDATA:
		if d.n == 4 {
			size := int(binary.BigEndian.Uint16(d.buf[2:4]))
			if DataHeaderSize+size > MaxFrameSize {
				// Consume the declared length so the stream stays aligned,
				// then report the frame once it has been skipped.
				remaining := DataHeaderSize + size - d.n
				d.Reset()
				d.discard = remaining
				return nil, nil
			}
			d.dataSize = size
		}
		if d.dataSize >= 0 && d.n == DataHeaderSize+d.dataSize {
			return d.pop(), nil
		}
	case OpACK:
		if d.n == 4 {
			return d.pop(), nil
		}
	case OpERROR:
		if d.n > 4 && last == 0 {
			return d.pop(), nil
		}
	case OpBCAST:
		if d.n > 3 && last == 0 {
			return d.pop(), nil
		}
	case OpDIRQ, OpDISC:
		if d.n == OpcodeSize {
			return d.pop(), nil
		}
	}
	return nil, nil
}

// pop copies out the buffered frame and resets the decoder.
func (d *FrameDecoder) pop() []byte {
	frame := make([]byte, d.n)
	copy(frame, d.buf[:d.n])
	d.Reset()
	return frame
}

// Reset discards any partially accumulated frame.
func (d *FrameDecoder) Reset() {
	d.n = 0
	d.opcode = 0
	d.dataSize = -1
	d.discard = 0
}

// Buffered returns the number of bytes of the pending partial frame.
func (d *FrameDecoder) Buffered() int {
	return d.n
}

// DecodeAll feeds data through the decoder and returns every frame it
// completes. Trailing bytes of an unfinished frame stay buffered.
func (d *FrameDecoder) DecodeAll(data []byte) ([][]byte, error) {
	var frames [][]byte
	for _, b := range data {
		frame, err := d.Feed(b)
		if err != nil {
			return frames, err
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}
