package flight

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/pid"
	"rotorpilot/internal/quad"
)

// Pilot commands. Each reports whether it took effect; rejected commands are
// logged and leave the computer unchanged. Errors are actuator link failures.

func (c *Computer) Takeoff(height float64) (bool, error) {
	return c.Transition(Hover, height)
}

// Hover changes the hover height. In StabilizedHover the stabilizers stay on.
func (c *Computer) Hover(height float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := Hover
	if c.mode == StabilizedHover {
		target = StabilizedHover
	}
	return c.transition(target, height)
}

func (c *Computer) Land() (bool, error) { return c.Transition(Landing, nil) }

// Waypoint holds position over the calibration point at the given altitude.
func (c *Computer) Waypoint(altitude float64) (bool, error) {
	return c.Transition(WaypointHold, Waypoint{Altitude: altitude})
}

// Track flies to and holds the given waypoint.
func (c *Computer) Track(wp Waypoint) (bool, error) {
	return c.Transition(WaypointTrack, wp)
}

func (c *Computer) Abort() (bool, error)     { return c.Transition(Failed, nil) }
func (c *Computer) SetManual() (bool, error) { return c.Transition(ManualControl, nil) }
func (c *Computer) Calibrate() (bool, error) { return c.Transition(Calibration, nil) }
func (c *Computer) Ground() (bool, error)    { return c.Transition(Ground, nil) }

// SetAuto leaves ManualControl and hovers at the current height.
func (c *Computer) SetAuto() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ManualControl {
		c.log.WithField("mode", c.mode).Warn("auto control requested outside manual control")
		return false, nil
	}
	return c.transition(Hover, c.m.height.Value)
}

// Stabilize switches between Hover and StabilizedHover at the current goal.
func (c *Computer) Stabilize(on bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case on && c.mode == Hover:
		return c.transition(StabilizedHover, c.goalHeight)
	case !on && c.mode == StabilizedHover:
		return c.transition(Hover, c.goalHeight)
	}
	c.log.WithFields(logrus.Fields{"mode": c.mode, "on": on}).Warn("stabilize ignored")
	return false, nil
}

// SetPIDConfig replaces a gain set. It takes effect the next time a mode
// configures its controllers.
func (c *Computer) SetPIDConfig(set GainSet, gains [5]float64) error {
	cfg := pid.ConfigFromGains(gains)
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch set {
	case HoverGains:
		c.cfg.Hover = cfg
	case LandingGains:
		c.cfg.Landing = cfg
	case OrientationGains:
		c.cfg.Orientation = cfg
	case GPSGains:
		c.cfg.GPS = cfg
	case PositionGains:
		c.cfg.Position = cfg
	default:
		return fmt.Errorf("flight: unknown gain set %d", int(set))
	}
	c.log.WithFields(logrus.Fields{"set": set, "gains": gains}).Info("gains updated")
	return nil
}

func (c *Computer) SetMinThrottle(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < quad.MinSpeed || v > c.cfg.MaxThrottle {
		return fmt.Errorf("flight: min throttle %d out of range [%d, %d]", v, quad.MinSpeed, c.cfg.MaxThrottle)
	}
	c.cfg.MinThrottle = v
	return nil
}

func (c *Computer) SetMaxThrottle(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > quad.MaxSpeed || v < c.cfg.MinThrottle {
		return fmt.Errorf("flight: max throttle %d out of range [%d, %d]", v, c.cfg.MinThrottle, quad.MaxSpeed)
	}
	c.cfg.MaxThrottle = v
	return nil
}

// tiltGoal maps a stick speed onto an attitude goal in radians.
func (c *Computer) tiltGoal(speed int) float64 {
	speed = clampInt(speed, quad.MinSpeed, quad.MaxSpeed)
	return float64(speed) / quad.MaxSpeed * c.cfg.MaxTiltAngle
}

// Forward biases the pitch goal. Only valid while stabilizing.
func (c *Computer) Forward(speed int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stabilizers {
		c.log.Warn("forward ignored: stabilizers inactive")
		return false
	}
	c.elevator.SetGoal(c.tiltGoal(speed))
	return true
}

// Sideways biases the roll goal. Only valid while stabilizing.
func (c *Computer) Sideways(speed int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stabilizers {
		c.log.Warn("sideways ignored: stabilizers inactive")
		return false
	}
	c.aileron.SetGoal(c.tiltGoal(speed))
	return true
}

// Rotate sets the heading goal (radians). Only valid while stabilizing.
func (c *Computer) Rotate(angle float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stabilizers {
		c.log.Warn("rotate ignored: stabilizers inactive")
		return false
	}
	c.rudder.SetGoal(pid.NormalizeAngle(angle))
	return true
}
