// Package quad drives the rotorcraft servos.
//
// Speeds are expressed in [MinSpeed, MaxSpeed] and mapped linearly onto servo
// pulse widths. The pulses themselves are emitted by a PulseWriter backend
// (sysfs PWM, CAN bridge or the simulator).
package quad

import (
	"errors"
	"fmt"
	"sync"
)

const (
	MinSpeed  = -100
	StopSpeed = 0
	MaxSpeed  = 100

	// Measured activation range of the servos, in microseconds.
	MinPulse = 1050
	MaxPulse = 1950
)

// ErrLinkLost is returned when the actuator hardware link fails. The flight
// core does not retry; callers reconnect and rebuild from Ground.
var ErrLinkLost = errors.New("quad: link lost")

type Axis int

const (
	Longitudinal Axis = iota // elevator
	Lateral                  // aileron
	Vertical                 // throttle
	Rotational               // rudder
	Gain                     // gyro gain / gear channel

	NumAxes
)

func (a Axis) String() string {
	switch a {
	case Longitudinal:
		return "elevator"
	case Lateral:
		return "aileron"
	case Vertical:
		return "throttle"
	case Rotational:
		return "rudder"
	case Gain:
		return "gain"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// PulseWriter emits a pulse width (microseconds) on an output channel.
type PulseWriter interface {
	SetPulseWidth(channel int, us int) error
	Close() error
}

// Channels maps every axis to a backend channel.
type Channels [NumAxes]int

// DefaultChannels matches the wiring of the reference airframe.
var DefaultChannels = Channels{Longitudinal: 0, Lateral: 1, Vertical: 2, Rotational: 3, Gain: 4}

// Servo maps speeds in [minIn, maxIn] to pulses in [minOut, maxOut].
type Servo struct {
	channel        int
	minIn, maxIn   int
	minOut, maxOut int
	inverted       bool

	speed   int
	pulse   int
	written bool
}

func NewServo(channel, minIn, maxIn, minOut, maxOut int) *Servo {
	return &Servo{channel: channel, minIn: minIn, maxIn: maxIn, minOut: minOut, maxOut: maxOut}
}

func (s *Servo) toPulse(v int) int {
	if s.inverted {
		v = -v
	}
	return s.minOut + (s.maxOut-s.minOut)*(v-s.minIn)/(s.maxIn-s.minIn)
}

func (s *Servo) toSpeed(pulse int) int {
	v := s.minIn + (s.maxIn-s.minIn)*(pulse-s.minOut)/(s.maxOut-s.minOut)
	if s.inverted {
		v = -v
	}
	return v
}

// QuadCopter is safe for concurrent use.
type QuadCopter struct {
	mu     sync.Mutex
	out    PulseWriter
	servos [NumAxes]*Servo
}

func New(out PulseWriter, ch Channels) *QuadCopter {
	return NewWithRange(out, ch, MinPulse, MaxPulse)
}

// NewWithRange is New for servos with a different activation range.
func NewWithRange(out PulseWriter, ch Channels, minPulse, maxPulse int) *QuadCopter {
	q := &QuadCopter{out: out}
	for a := Axis(0); a < NumAxes; a++ {
		q.servos[a] = NewServo(ch[a], MinSpeed, MaxSpeed, minPulse, maxPulse)
	}
	return q
}

func clampSpeed(v int) int {
	if v > MaxSpeed {
		return MaxSpeed
	}
	if v < MinSpeed {
		return MinSpeed
	}
	return v
}

// Move sets an axis speed. Values are clamped, and a write is skipped when
// the servo already holds that speed.
func (q *QuadCopter) Move(a Axis, speed int) error {
	if a < 0 || a >= NumAxes {
		return fmt.Errorf("quad: unknown axis %d", int(a))
	}
	speed = clampSpeed(speed)

	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.servos[a]
	if s.written && s.speed == speed {
		return nil
	}
	if err := q.writeRawLocked(a, s.toPulse(speed)); err != nil {
		return err
	}
	s.speed = speed
	return nil
}

func (q *QuadCopter) writeRawLocked(a Axis, us int) error {
	s := q.servos[a]
	if err := q.out.SetPulseWidth(s.channel, us); err != nil {
		return fmt.Errorf("quad: %s: %w: %w", a, ErrLinkLost, err)
	}
	s.pulse = us
	s.speed = s.toSpeed(us)
	s.written = true
	return nil
}

// WriteRaw writes a pulse width directly, bypassing the speed mapping.
func (q *QuadCopter) WriteRaw(a Axis, us int) error {
	if a < 0 || a >= NumAxes {
		return fmt.Errorf("quad: unknown axis %d", int(a))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writeRawLocked(a, us)
}

func (q *QuadCopter) Throttle(speed int) error { return q.Move(Vertical, speed) }
func (q *QuadCopter) Elevator(speed int) error { return q.Move(Longitudinal, speed) }
func (q *QuadCopter) Aileron(speed int) error  { return q.Move(Lateral, speed) }
func (q *QuadCopter) Rudder(speed int) error   { return q.Move(Rotational, speed) }

// AdjustGain always writes, even when unchanged.
func (q *QuadCopter) AdjustGain(v int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	v = clampSpeed(v)
	s := q.servos[Gain]
	if err := q.writeRawLocked(Gain, s.toPulse(v)); err != nil {
		return err
	}
	s.speed = v
	return nil
}

// Stop centers the four flight axes.
func (q *QuadCopter) Stop() error {
	for a := Longitudinal; a <= Rotational; a++ {
		if err := q.Move(a, StopSpeed); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the last written speed of an axis.
func (q *QuadCopter) Read(a Axis) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.servos[a].speed
}

// ReadRaw returns the last written pulse width of an axis (0 if never written).
func (q *QuadCopter) ReadRaw(a Axis) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.servos[a].pulse
}

func (q *QuadCopter) Invert(a Axis, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.servos[a]
	s.inverted = on
	s.written = false
}

func (q *QuadCopter) Inverted(a Axis) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.servos[a].inverted
}

func (q *QuadCopter) Close() error {
	if q == nil || q.out == nil {
		return nil
	}
	return q.out.Close()
}
