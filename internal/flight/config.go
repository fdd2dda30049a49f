package flight

import (
	"fmt"
	"math"
	"time"

	"rotorpilot/internal/pid"
	"rotorpilot/internal/quad"
)

// GainSet names a PID gain set that can be replaced at runtime.
type GainSet int

const (
	HoverGains GainSet = iota + 1
	LandingGains
	OrientationGains
	GPSGains
	PositionGains
)

func (g GainSet) String() string {
	switch g {
	case HoverGains:
		return "hover"
	case LandingGains:
		return "landing"
	case OrientationGains:
		return "orientation"
	case GPSGains:
		return "gps"
	case PositionGains:
		return "position"
	default:
		return fmt.Sprintf("gains(%d)", int(g))
	}
}

type Config struct {
	Hover       pid.Config
	Landing     pid.Config
	Orientation pid.Config
	GPS         pid.Config
	Position    pid.Config

	MinThrottle int
	MaxThrottle int
	MinTilt     int
	MaxTilt     int

	// MaxTiltAngle is the attitude goal (radians) at full stick.
	MaxTiltAngle float64

	EmergencyDescent int
	// EmergencyDelta is the height freshness window.
	EmergencyDelta   time.Duration
	GPSDelta         time.Duration
	OrientationDelta time.Duration

	ThrottleOffHeight float64
	MaxHoverHeight    float64

	CalibrationHeight   float64
	CalibrationStep     int
	CalibrationInterval time.Duration
	CalibrationStart    int

	DefaultGain int
	Tick        time.Duration
}

// DefaultConfig holds the values the reference airframe was tuned with.
// Gains assume time deltas in seconds.
func DefaultConfig() Config {
	return Config{
		Hover:       pid.ConfigFromGains([5]float64{57, 70, 35, -600, 4000}),
		Landing:     pid.ConfigFromGains([5]float64{0, 100, 60, -1000, 1000}),
		Orientation: pid.ConfigFromGains([5]float64{50, 70, 0.35, -0.6, 0.4}),
		GPS:         pid.ConfigFromGains([5]float64{57, 70, 35, -600, 4000}),
		Position:    pid.ConfigFromGains([5]float64{2, 0.1, 1, -50, 50}),

		MinThrottle: quad.MinSpeed + 67,
		MaxThrottle: quad.MaxSpeed - 25,
		MinTilt:     quad.MinSpeed / 2,
		MaxTilt:     quad.MaxSpeed / 2,

		MaxTiltAngle: math.Pi / 8,

		EmergencyDescent: quad.StopSpeed - 10,
		EmergencyDelta:   time.Second,
		GPSDelta:         2 * time.Second,
		OrientationDelta: time.Second,

		ThrottleOffHeight: 0.1,
		MaxHoverHeight:    3,

		CalibrationHeight:   0.2,
		CalibrationStep:     2,
		CalibrationInterval: 500 * time.Millisecond,
		CalibrationStart:    -50,

		DefaultGain: 20,
		Tick:        100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	for _, g := range []struct {
		name string
		cfg  pid.Config
	}{{"hover", c.Hover}, {"landing", c.Landing}, {"orientation", c.Orientation}, {"gps", c.GPS}, {"position", c.Position}} {
		if err := g.cfg.Validate(); err != nil {
			return fmt.Errorf("flight: %s gains: %w", g.name, err)
		}
	}
	if c.MinThrottle > c.MaxThrottle {
		return fmt.Errorf("flight: min throttle %d exceeds max throttle %d", c.MinThrottle, c.MaxThrottle)
	}
	if c.MinTilt > c.MaxTilt {
		return fmt.Errorf("flight: min tilt %d exceeds max tilt %d", c.MinTilt, c.MaxTilt)
	}
	if c.EmergencyDelta <= 0 || c.GPSDelta <= 0 || c.OrientationDelta <= 0 {
		return fmt.Errorf("flight: freshness windows must be > 0")
	}
	if c.MaxHoverHeight <= 0 {
		return fmt.Errorf("flight: max hover height must be > 0")
	}
	if c.CalibrationStep <= 0 || c.CalibrationInterval <= 0 {
		return fmt.Errorf("flight: calibration step and interval must be > 0")
	}
	return nil
}
