package gdl90

import (
	"errors"
	"fmt"
	"math"
)

// Attitude is the part of an AHRS report the flight computer consumes.
// Angles are degrees as carried on the wire (0.1 degree resolution).
type Attitude struct {
	RollDeg    float64
	PitchDeg   float64
	HeadingDeg float64

	// HeadingValid is false for reports that carry no heading.
	HeadingValid bool
}

var (
	// ErrNotAHRS marks a valid frame that is some other GDL90 message.
	ErrNotAHRS = errors.New("gdl90: not an AHRS report")
	// ErrAHRSInvalid marks an AHRS report flagged invalid by its sender.
	ErrAHRSInvalid = errors.New("gdl90: AHRS invalid")
)

const (
	invalidI16 = 0x7FFF

	leReportLen = 24
	ffReportLen = 12
)

// AHRSReportFrame builds the Stratux "LE" AHRS report (payload starts
// 0x4C 0x45 0x01 0x01) with roll, pitch and heading set and every other field
// marked invalid.
func AHRSReportFrame(a Attitude) []byte {
	msg := make([]byte, leReportLen)
	msg[0], msg[1], msg[2], msg[3] = 0x4C, 0x45, 0x01, 0x01

	hdg := int16(invalidI16)
	if a.HeadingValid {
		hdg = deg10(a.HeadingDeg)
	}
	putI16(msg[4:], deg10(a.RollDeg))
	putI16(msg[6:], deg10(a.PitchDeg))
	putI16(msg[8:], hdg)
	for i := 10; i < leReportLen; i += 2 {
		putI16(msg[i:], invalidI16)
	}
	// Pressure altitude is unsigned.
	msg[18], msg[19] = 0xFF, 0xFF
	return Frame(msg)
}

// ParseAHRS decodes an unframed message as either the "LE" AHRS report or the
// ForeFlight AHRS message (0x65 0x01), which carries roll and pitch only.
func ParseAHRS(msg []byte) (Attitude, error) {
	switch {
	case len(msg) >= 4 && msg[0] == 0x4C && msg[1] == 0x45 && msg[2] == 0x01:
		if len(msg) < leReportLen {
			return Attitude{}, fmt.Errorf("gdl90: short AHRS report: %d", len(msg))
		}
		return decodeAngles(getI16(msg[4:]), getI16(msg[6:]), getI16(msg[8:]))
	case len(msg) >= 2 && msg[0] == 0x65 && msg[1] == 0x01:
		if len(msg) < ffReportLen {
			return Attitude{}, fmt.Errorf("gdl90: short ForeFlight AHRS: %d", len(msg))
		}
		return decodeAngles(getI16(msg[2:]), getI16(msg[4:]), invalidI16)
	}
	return Attitude{}, ErrNotAHRS
}

func decodeAngles(roll, pitch, hdg int16) (Attitude, error) {
	if roll == invalidI16 || pitch == invalidI16 {
		return Attitude{}, ErrAHRSInvalid
	}
	a := Attitude{RollDeg: float64(roll) / 10, PitchDeg: float64(pitch) / 10}
	if hdg != invalidI16 {
		a.HeadingDeg = float64(hdg) / 10
		a.HeadingValid = true
	}
	return a, nil
}

func putI16(b []byte, v int16) {
	b[0] = byte(uint16(v) >> 8)
	b[1] = byte(uint16(v))
}

func getI16(b []byte) int16 {
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

func deg10(deg float64) int16 {
	v := math.Round(deg * 10)
	return int16(clampI32(int32(v), -32768, 32767))
}

func clampI32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
