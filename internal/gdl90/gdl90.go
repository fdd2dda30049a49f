// Package gdl90 implements GDL90 framing and the AHRS attitude reports that
// Stratux-style AHRS units broadcast over UDP.
package gdl90

import "fmt"

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	escapeXor  = 0x20
)

// Frame appends the CRC to an unframed message (ID + payload), applies
// byte-stuffing and wraps the result in flag bytes.
func Frame(message []byte) []byte {
	crc := crc16(message)

	// CRC is appended low byte first.
	withCRC := make([]byte, 0, len(message)+2)
	withCRC = append(withCRC, message...)
	withCRC = append(withCRC, byte(crc&0xFF), byte((crc>>8)&0xFF))

	out := make([]byte, 0, 2+len(withCRC)*2)
	out = append(out, flagByte)
	for _, b := range withCRC {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, flagByte)
}

// Unframe reverses Frame. It returns the message without CRC and whether the
// CRC matched; err is set for malformed frames.
func Unframe(frame []byte) (msg []byte, crcOK bool, err error) {
	if len(frame) < 4 {
		return nil, false, fmt.Errorf("gdl90: frame too short: %d", len(frame))
	}
	if frame[0] != flagByte || frame[len(frame)-1] != flagByte {
		return nil, false, fmt.Errorf("gdl90: missing start/end flags")
	}

	raw := make([]byte, 0, len(frame))
	for i := 1; i < len(frame)-1; i++ {
		b := frame[i]
		if b == escapeByte {
			i++
			if i >= len(frame)-1 {
				return nil, false, fmt.Errorf("gdl90: truncated escape at end of frame")
			}
			raw = append(raw, frame[i]^escapeXor)
			continue
		}
		raw = append(raw, b)
	}
	if len(raw) < 3 {
		return nil, false, fmt.Errorf("gdl90: unescaped payload too short: %d", len(raw))
	}

	msg = raw[:len(raw)-2]
	crcGot := uint16(raw[len(raw)-2]) | (uint16(raw[len(raw)-1]) << 8)
	return msg, crcGot == crc16(msg), nil
}

// Split cuts a datagram holding back-to-back frames into individual frames,
// each including its flag bytes. Bytes outside flags are dropped.
func Split(datagram []byte) [][]byte {
	var out [][]byte
	start := -1
	for i, b := range datagram {
		if b != flagByte {
			continue
		}
		if start >= 0 && i-start > 1 {
			out = append(out, datagram[start:i+1])
			start = -1
			continue
		}
		start = i
	}
	return out
}
