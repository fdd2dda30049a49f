// Package sim stands in for the airframe during offline runs. Engine
// integrates a crude vertical and rotational model from the servo pulses it
// receives and answers the sensor reads the flight computer polls.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"rotorpilot/internal/quad"
	"rotorpilot/internal/ultrasonic"
)

const (
	gravity = 10.0
	// Throttle speed s produces a vertical acceleration of thrust*(s+75)-g,
	// so hover sits at roughly speed 18.
	thrust = gravity / 93.0
	// Skid height: the craft rests here and angles do not move below it.
	copterHeight = 0.1
	// Angular rate in rad/s per unit of control speed.
	rotationalRate = 2 * math.Pi / 35.0
)

type Config struct {
	InitialYaw   float64
	InitialPitch float64
	InitialRoll  float64

	// Standard deviations of the height (m) and GPS altitude (m) noise.
	HeightNoise float64
	GPSNoise    float64

	// PilotThrottle is the receiver throttle pulse in microseconds.
	PilotThrottle int

	Latitude  float64
	Longitude float64

	Channels quad.Channels
	MinPulse int
	MaxPulse int
}

func DefaultConfig() Config {
	return Config{
		InitialYaw:    -math.Pi,
		InitialPitch:  0.2,
		InitialRoll:   0.2,
		HeightNoise:   0.01,
		GPSNoise:      1,
		PilotThrottle: 1100,
		Channels:      quad.DefaultChannels,
		MinPulse:      quad.MinPulse,
		MaxPulse:      quad.MaxPulse,
	}
}

type angle struct {
	value   float64
	input   int
	updated time.Time
}

// Engine implements quad.PulseWriter, rc.PulseReader and ultrasonic.Pinger
// and provides signal.MeasureFunc values for GPS and attitude.
type Engine struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	rnd      *rand.Rand
	msl      float64
	speed    float64
	throttle int
	updated  time.Time
	yaw      angle
	pitch    angle
	roll     angle
	pilot    int
}

func New(cfg Config) *Engine {
	return newEngine(cfg, time.Now, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func newEngine(cfg Config, now func() time.Time, rnd *rand.Rand) *Engine {
	if cfg.MaxPulse <= cfg.MinPulse {
		cfg.MinPulse, cfg.MaxPulse = quad.MinPulse, quad.MaxPulse
	}
	t := now()
	return &Engine{
		cfg:     cfg,
		now:     now,
		rnd:     rnd,
		msl:     copterHeight,
		updated: t,
		yaw:     angle{value: cfg.InitialYaw, updated: t},
		pitch:   angle{value: cfg.InitialPitch, updated: t},
		roll:    angle{value: cfg.InitialRoll, updated: t},
		pilot:   cfg.PilotThrottle,
	}
}

func (e *Engine) toSpeed(us int) int {
	return quad.MinSpeed + (quad.MaxSpeed-quad.MinSpeed)*(us-e.cfg.MinPulse)/(e.cfg.MaxPulse-e.cfg.MinPulse)
}

func (e *Engine) updateHeightLocked(now time.Time) {
	dt := now.Sub(e.updated).Seconds()
	e.updated = now
	if dt <= 0 {
		return
	}
	acc := thrust*float64(e.throttle+75) - gravity
	if e.msl <= copterHeight && acc < 0 {
		acc = 0
		e.speed = 0
	}
	e.speed += dt * acc
	e.msl += dt * e.speed
	if e.msl < copterHeight {
		e.msl = copterHeight
		e.speed = 0
	}
}

func (e *Engine) updateAngleLocked(a *angle, now time.Time) {
	dt := now.Sub(a.updated).Seconds()
	if dt <= 0 {
		return
	}
	a.updated = now
	if e.msl <= copterHeight {
		return
	}
	a.value = normalize(a.value + dt*rotationalRate*float64(a.input))
}

// normalize maps v into [-pi, pi).
func normalize(v float64) float64 {
	for v >= math.Pi {
		v -= 2 * math.Pi
	}
	for v < -math.Pi {
		v += 2 * math.Pi
	}
	return v
}

// SetPulseWidth feeds one servo output into the model. Channels that do
// not drive the airframe are ignored.
func (e *Engine) SetPulseWidth(channel int, us int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	switch channel {
	case e.cfg.Channels[quad.Vertical]:
		e.updateHeightLocked(now)
		e.throttle = e.toSpeed(us)
	case e.cfg.Channels[quad.Rotational]:
		e.updateAngleLocked(&e.yaw, now)
		e.yaw.input = e.toSpeed(us)
	case e.cfg.Channels[quad.Lateral]:
		e.updateAngleLocked(&e.roll, now)
		e.roll.input = e.toSpeed(us)
	case e.cfg.Channels[quad.Longitudinal]:
		e.updateAngleLocked(&e.pitch, now)
		e.pitch.input = e.toSpeed(us)
	}
	return nil
}

func (e *Engine) Close() error { return nil }

// SetPilotThrottle changes the simulated receiver throttle pulse.
func (e *Engine) SetPilotThrottle(us int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pilot = us
}

// ReadPulse returns the receiver throttle pulse.
func (e *Engine) ReadPulse(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pilot, nil
}

// Height is the true height above ground in meters.
func (e *Engine) Height() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateHeightLocked(e.now())
	return e.msl
}

// Ping returns the echo time an ultrasonic sensor would see.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateHeightLocked(e.now())
	h := e.msl + e.cfg.HeightNoise*e.rnd.NormFloat64()
	if h < 0 {
		h = 0
	}
	return ultrasonic.EchoTime(h), nil
}

// GPSAltitude reports height rounded to whole meters, as cheap receivers do.
func (e *Engine) GPSAltitude(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateHeightLocked(e.now())
	return math.Round(e.msl + e.cfg.GPSNoise*e.rnd.NormFloat64()), nil
}

func (e *Engine) Latitude(ctx context.Context) (float64, error)  { return e.cfg.Latitude, nil }
func (e *Engine) Longitude(ctx context.Context) (float64, error) { return e.cfg.Longitude, nil }

func (e *Engine) readAngle(a *angle) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.updateHeightLocked(now)
	e.updateAngleLocked(a, now)
	return a.value
}

func (e *Engine) Yaw(ctx context.Context) (float64, error)   { return e.readAngle(&e.yaw), nil }
func (e *Engine) Pitch(ctx context.Context) (float64, error) { return e.readAngle(&e.pitch), nil }
func (e *Engine) Roll(ctx context.Context) (float64, error)  { return e.readAngle(&e.roll), nil }
