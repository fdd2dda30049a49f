// Package flight implements the flight computer: the mode state machine that
// sequences the PID controllers, tracks sensor freshness and reacts to pilot
// override.
//
// All mutable state lives behind one mutex. Measurement setters, the periodic
// Tick, pilot commands and the PID output sinks all take it, so a transition
// never observes a half-updated mode or a value paired with the wrong time.
// Lock order is computer, then arbitrator, then servos; PID sinks run with no
// PID lock held.
package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/pid"
	"rotorpilot/internal/quad"
	"rotorpilot/internal/rc"
	"rotorpilot/internal/signal"
)

// Actuators is the servo layer the computer drives.
type Actuators interface {
	Move(a quad.Axis, speed int) error
	AdjustGain(v int) error
	Read(a quad.Axis) int
}

// ControlMask is the pilot/software arbitration state.
type ControlMask interface {
	Mask() rc.Mask
	SetMask(m rc.Mask) error
	SetBits(b rc.Mask) error
	ClearBits(b rc.Mask) error
	Arm(on bool)
	Armed() bool
}

type Deps struct {
	Quad Actuators
	RC   ControlMask
	Log  logrus.FieldLogger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Signals are the measurement sources the computer subscribes to. Nil
// entries are skipped.
type Signals struct {
	Height       *signal.Signal
	Pitch        *signal.Signal
	Roll         *signal.Signal
	Yaw          *signal.Signal
	GPSAltitude  *signal.Signal
	GPSLatitude  *signal.Signal
	GPSLongitude *signal.Signal
}

type measurements struct {
	height signal.Sample
	pitch  signal.Sample
	roll   signal.Sample
	yaw    signal.Sample
	gpsAlt signal.Sample
	gpsLat signal.Sample
	gpsLon signal.Sample
}

type calibration struct {
	calibrated    bool
	zeroHeight    float64
	zeroGPSHeight float64
	zeroLatitude  float64
	zeroLongitude float64
	zeroThrottle  int
}

// Setpoints are the last values commanded on each flight axis.
type Setpoints struct {
	Throttle int `json:"throttle"`
	Elevator int `json:"elevator"`
	Aileron  int `json:"aileron"`
	Rudder   int `json:"rudder"`
}

type Computer struct {
	log   logrus.FieldLogger
	now   func() time.Time
	graph Graph
	quad  Actuators
	rc    ControlMask

	throttle    *pid.Controller // ultrasonic height
	gpsThrottle *pid.Controller // GPS altitude
	elevator    *pid.Controller // pitch
	aileron     *pid.Controller // roll
	rudder      *pid.Controller // yaw
	latitude    *pid.Controller // drives elevator in waypoint modes
	longitude   *pid.Controller // drives aileron in waypoint modes

	mu          sync.Mutex
	cfg         Config
	mode        ModeID
	m           measurements
	cal         calibration
	set         Setpoints
	goalHeight  float64
	waypoint    Waypoint
	stabilizers bool
	gpsActive   bool

	calThrottle int
	calAdjusted time.Time
}

// New builds the computer and enters Ground.
func New(cfg Config, d Deps) (*Computer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Quad == nil || d.RC == nil {
		return nil, fmt.Errorf("flight: servos and control mask are required")
	}
	c := &Computer{
		log:   d.Log,
		now:   d.Now,
		graph: DefaultGraph(),
		quad:  d.Quad,
		rc:    d.RC,
		cfg:   cfg,
		mode:  Ground,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.throttle = pid.New("throttle", pid.Linear{}, pid.SinkFunc(func(out float64) error {
		return c.adjustThrottle(c.throttle, out)
	}))
	c.gpsThrottle = pid.New("gps_throttle", pid.Linear{}, pid.SinkFunc(func(out float64) error {
		return c.adjustThrottle(c.gpsThrottle, out)
	}))
	c.elevator = pid.New("elevator", pid.Angular{}, pid.SinkFunc(func(out float64) error {
		return c.adjustTilt(c.elevator, quad.Longitudinal, out)
	}))
	c.aileron = pid.New("aileron", pid.Angular{}, pid.SinkFunc(func(out float64) error {
		return c.adjustTilt(c.aileron, quad.Lateral, out)
	}))
	c.rudder = pid.New("rudder", pid.Angular{}, pid.SinkFunc(func(out float64) error {
		return c.adjustTilt(c.rudder, quad.Rotational, out)
	}))
	c.latitude = pid.New("latitude", pid.Geodesic{}, pid.SinkFunc(func(out float64) error {
		return c.adjustTilt(c.latitude, quad.Longitudinal, out)
	}))
	c.longitude = pid.New("longitude", pid.Geodesic{}, pid.SinkFunc(func(out float64) error {
		return c.adjustTilt(c.longitude, quad.Lateral, out)
	}))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(Ground, nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Computer) controllers() []*pid.Controller {
	return []*pid.Controller{c.throttle, c.gpsThrottle, c.elevator, c.aileron, c.rudder, c.latitude, c.longitude}
}

// Bind subscribes the computer to its signals. For every signal the
// measurement recorder is registered before the PID controller, so the
// controller never runs ahead of the freshness the state machine sees.
func (c *Computer) Bind(s Signals) {
	bind := func(sig *signal.Signal, record func(float64, time.Time), ctrl *pid.Controller) {
		if sig == nil {
			return
		}
		sig.Register(signal.ListenerFunc(func(v float64, at time.Time) error {
			record(v, at)
			return nil
		}))
		sig.Register(ctrl)
	}
	bind(s.Height, c.SetHeight, c.throttle)
	bind(s.Pitch, c.SetPitch, c.elevator)
	bind(s.Roll, c.SetRoll, c.aileron)
	bind(s.Yaw, c.SetYaw, c.rudder)
	bind(s.GPSAltitude, c.SetGPSAltitude, c.gpsThrottle)
	bind(s.GPSLatitude, c.SetGPSLatitude, c.latitude)
	bind(s.GPSLongitude, c.SetGPSLongitude, c.longitude)
}

func (c *Computer) record(dst *signal.Sample, v float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*dst = signal.Sample{Value: v, At: at}
}

func (c *Computer) SetHeight(v float64, at time.Time)       { c.record(&c.m.height, v, at) }
func (c *Computer) SetPitch(v float64, at time.Time)        { c.record(&c.m.pitch, v, at) }
func (c *Computer) SetRoll(v float64, at time.Time)         { c.record(&c.m.roll, v, at) }
func (c *Computer) SetYaw(v float64, at time.Time)          { c.record(&c.m.yaw, v, at) }
func (c *Computer) SetGPSAltitude(v float64, at time.Time)  { c.record(&c.m.gpsAlt, v, at) }
func (c *Computer) SetGPSLatitude(v float64, at time.Time)  { c.record(&c.m.gpsLat, v, at) }
func (c *Computer) SetGPSLongitude(v float64, at time.Time) { c.record(&c.m.gpsLon, v, at) }

func (c *Computer) heightFresh(now time.Time) bool {
	return c.m.height.Fresh(now, c.cfg.EmergencyDelta)
}

func (c *Computer) gpsFresh(now time.Time) bool {
	return c.m.gpsAlt.Fresh(now, c.cfg.GPSDelta)
}

func (c *Computer) orientationFresh(now time.Time) bool {
	w := c.cfg.OrientationDelta
	return c.m.pitch.Fresh(now, w) || c.m.roll.Fresh(now, w) || c.m.yaw.Fresh(now, w)
}

func (c *Computer) HasHeightSignal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heightFresh(c.now())
}

func (c *Computer) HasGPSSignal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpsFresh(c.now())
}

func (c *Computer) HasOrientationSignal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orientationFresh(c.now())
}

func (c *Computer) Mode() ModeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Tick runs one state machine step. A fully manual control mask moves any
// live mode to ManualControl before the mode's own update runs.
func (c *Computer) Tick() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Failed && c.mode != ManualControl && c.rc.Mask() == rc.FullManual {
		if _, err := c.transition(ManualControl, nil); err != nil {
			return err
		}
	}
	return c.update(c.now())
}

// Run ticks on the configured interval until ctx is done or an actuator
// link fails.
func (c *Computer) Run(ctx context.Context) error {
	interval := c.cfg.Tick
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.Tick(); err != nil {
				return fmt.Errorf("flight: tick: %w", err)
			}
		}
	}
}

// Transition requests a mode change. It reports whether the change happened;
// illegal or guarded-out requests are logged and ignored. The error is only
// set when an actuator write failed during exit or enter.
//
// arg is a float64 height for Hover and StabilizedHover, a Waypoint for the
// waypoint modes and ignored otherwise.
func (c *Computer) Transition(target ModeID, arg any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(target, arg)
}

func (c *Computer) transition(target ModeID, arg any) (bool, error) {
	from := c.mode
	log := c.log.WithFields(logrus.Fields{"from": from, "to": target})
	if !c.graph.Allowed(from, target) {
		log.Warn("illegal transition")
		return false, nil
	}
	if !c.guard(target, arg) {
		log.Warn("entry condition failed")
		return false, nil
	}
	if err := c.exit(from); err != nil {
		return false, fmt.Errorf("flight: exit %s: %w", from, err)
	}
	c.mode = target
	if err := c.enter(target, arg); err != nil {
		return true, fmt.Errorf("flight: enter %s: %w", target, err)
	}
	log.Info("transition")
	return true, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Computer) adjustThrottle(p *pid.Controller, out float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Output computed just before a disengage must not land.
	if !p.Engaged() {
		return nil
	}
	v := clampInt(int(out+float64(c.cal.zeroThrottle)), c.cfg.MinThrottle, c.cfg.MaxThrottle)
	return c.writeThrottle(v)
}

func (c *Computer) adjustTilt(p *pid.Controller, a quad.Axis, out float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !p.Engaged() {
		return nil
	}
	return c.writeAxis(a, clampInt(int(out), c.cfg.MinTilt, c.cfg.MaxTilt))
}

func (c *Computer) writeThrottle(v int) error {
	c.set.Throttle = v
	return c.quad.Move(quad.Vertical, v)
}

func (c *Computer) writeAxis(a quad.Axis, v int) error {
	switch a {
	case quad.Vertical:
		c.set.Throttle = v
	case quad.Longitudinal:
		c.set.Elevator = v
	case quad.Lateral:
		c.set.Aileron = v
	case quad.Rotational:
		c.set.Rudder = v
	}
	return c.quad.Move(a, v)
}

func (c *Computer) centerTilt() error {
	for _, a := range []quad.Axis{quad.Longitudinal, quad.Lateral, quad.Rotational} {
		if err := c.writeAxis(a, quad.StopSpeed); err != nil {
			return err
		}
	}
	return nil
}
