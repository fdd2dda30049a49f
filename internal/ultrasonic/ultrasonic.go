// Package ultrasonic measures height above ground with an HC-SR04 style
// ping sensor.
package ultrasonic

import (
	"context"
	"fmt"
	"time"

	"rotorpilot/internal/signal"
)

const (
	// MaxReliable is the longest distance (cm) the sensor reports reliably.
	MaxReliable = 367

	// Sound travels one centimeter in about 29 microseconds.
	microsPerCM = 29
	// The echo timing of the reference board under-reads by this factor.
	correction = 1.8
)

var (
	ErrOutOfRange = fmt.Errorf("ultrasonic: out of range: %w", signal.ErrNoMeasurement)
	ErrNoEcho     = fmt.Errorf("ultrasonic: no echo: %w", signal.ErrNoMeasurement)
)

// Convert turns a round trip echo time into meters.
func Convert(echo time.Duration) (float64, error) {
	us := float64(echo.Microseconds())
	cm := us / microsPerCM / 2 * correction
	if cm > MaxReliable {
		return 0, ErrOutOfRange
	}
	return cm / 100, nil
}

// EchoTime is the inverse of Convert, used by the simulator.
func EchoTime(meters float64) time.Duration {
	us := meters * 100 / correction * 2 * microsPerCM
	return time.Duration(us * float64(time.Microsecond))
}

// Pinger fires one ping and returns the echo round trip time.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

type PingerFunc func(ctx context.Context) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context) (time.Duration, error) { return f(ctx) }

type Sensor struct {
	p Pinger
}

func New(p Pinger) *Sensor { return &Sensor{p: p} }

// Measure is a signal.MeasureFunc reporting height in meters.
func (s *Sensor) Measure(ctx context.Context) (float64, error) {
	d, err := s.p.Ping(ctx)
	if err != nil {
		return 0, err
	}
	return Convert(d)
}
