package protocol

import (
	"bytes"
	"fmt"
)

// SplitData cuts data into DATA packets of at most BlockSize bytes with block
// numbers starting at 1. When len(data) is a multiple of BlockSize (including
// zero) a final empty packet is appended, so the last packet is always
// shorter than BlockSize and signals the end of the transfer.
func SplitData(data []byte) [][]byte {
	count := len(data)/BlockSize + 1
	packets := make([][]byte, 0, count)

	block := uint16(1)
	for off := 0; ; off += BlockSize {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		packets = append(packets, BuildData(block, data[off:end]))
		block++
		if end-off < BlockSize {
			break
		}
	}
	return packets
}

// Reassemble concatenates the payloads of DATA packets given in block order.
// Block numbers must run consecutively from 1, wrapping at 65535.
func Reassemble(packets [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	expected := uint16(1)
	for i, pkt := range packets {
		msg, err := Parse(pkt)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		if msg.Opcode != OpDATA {
			return nil, fmt.Errorf("packet %d: expected DATA, got %s", i, msg.Opcode)
		}
		if msg.Block != expected {
			return nil, fmt.Errorf("packet %d: expected block %d, got %d", i, expected, msg.Block)
		}
		buf.Write(msg.Data)
		expected++
	}
	return buf.Bytes(), nil
}

// JoinNames builds a directory listing payload: every name followed by a 0.
func JoinNames(names []string) []byte {
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// SplitNames is the inverse of JoinNames.
func SplitNames(payload []byte) []string {
	var names []string
	for len(payload) > 0 {
		i := bytes.IndexByte(payload, 0)
		if i < 0 {
			names = append(names, string(payload))
			break
		}
		names = append(names, string(payload[:i]))
		payload = payload[i+1:]
	}
	return names
}
