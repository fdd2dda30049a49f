package flight

import (
	"time"

	"rotorpilot/internal/pid"
	"rotorpilot/internal/quad"
	"rotorpilot/internal/rc"
)

// guard reports whether target may be entered with arg. Called with c.mu held.
func (c *Computer) guard(target ModeID, arg any) bool {
	now := c.now()
	switch target {
	case Hover, StabilizedHover:
		h, ok := arg.(float64)
		return ok && c.cal.calibrated && h <= c.cfg.MaxHoverHeight && c.heightFresh(now)
	case Calibration:
		// Landing out of Calibration needs the ground references.
		return c.cal.calibrated && c.heightFresh(now)
	case Landing:
		return c.cal.calibrated
	case WaypointHold, WaypointTrack:
		wp, ok := arg.(Waypoint)
		return ok && c.cal.calibrated && wp.Altitude <= c.cfg.MaxHoverHeight &&
			(c.heightFresh(now) || c.gpsFresh(now))
	default:
		return true
	}
}

func (c *Computer) enter(m ModeID, arg any) error {
	switch m {
	case Ground:
		c.stabilizers = false
		if err := c.rc.SetMask(0); err != nil {
			return err
		}
		if err := c.writeGroundDefaults(); err != nil {
			return err
		}
		return c.quad.AdjustGain(c.cfg.DefaultGain)

	case Calibration:
		c.calThrottle = c.cfg.CalibrationStart
		c.calAdjusted = c.now()
		return c.writeThrottle(c.calThrottle)

	case Hover:
		c.enterHover(arg.(float64))
		return nil

	case StabilizedHover:
		c.enterHover(arg.(float64))
		return c.stabilize(true)

	case Landing:
		c.throttle.SetConfig(c.cfg.Landing)
		c.throttle.SetGoal(c.cal.zeroHeight)
		c.throttle.Engage(true)
		return nil

	case EmergencyLanding:
		return c.writeThrottle(c.cfg.EmergencyDescent)

	case WaypointHold, WaypointTrack:
		return c.enterWaypoint(m, arg.(Waypoint))

	case ManualControl:
		return c.rc.SetMask(rc.FullManual)

	case Failed:
		for _, p := range c.controllers() {
			p.Engage(false)
		}
		c.stabilizers = false
		return c.writeThrottle(quad.MinSpeed)
	}
	return nil
}

func (c *Computer) exit(m ModeID) error {
	switch m {
	case Ground:
		return c.rc.SetMask(rc.FullManual &^ rc.Throttle)

	case Hover:
		c.exitHover()
		return nil

	case StabilizedHover:
		c.exitHover()
		return c.stabilize(false)

	case Landing:
		c.throttle.Engage(false)
		return nil

	case WaypointHold, WaypointTrack:
		return c.exitWaypoint()

	case ManualControl:
		if err := c.rc.SetMask(rc.FullManual &^ rc.Throttle); err != nil {
			return err
		}
		// Require the stick-low gesture before the pilot can take over again.
		c.rc.Arm(false)
		return nil
	}
	return nil
}

func (c *Computer) update(now time.Time) error {
	switch c.mode {
	case Ground:
		c.captureZero(now)
		return c.writeGroundDefaults()

	case Calibration:
		if !c.heightFresh(now) {
			_, err := c.transition(EmergencyLanding, nil)
			return err
		}
		if c.m.height.Value-c.cal.zeroHeight > c.cfg.CalibrationHeight {
			c.cal.zeroThrottle = c.calThrottle - c.cfg.CalibrationStep
			c.log.WithField("zero_throttle", c.cal.zeroThrottle).Info("calibration complete")
			_, err := c.transition(Landing, nil)
			return err
		}
		if now.Sub(c.calAdjusted) > c.cfg.CalibrationInterval {
			c.calThrottle += c.cfg.CalibrationStep
			c.calAdjusted = now
			return c.writeThrottle(c.calThrottle)
		}
		return nil

	case Hover, StabilizedHover:
		if !c.heightFresh(now) {
			_, err := c.transition(EmergencyLanding, nil)
			return err
		}
		return nil

	case Landing:
		if !c.heightFresh(now) {
			_, err := c.transition(EmergencyLanding, nil)
			return err
		}
		if c.m.height.Value <= c.cal.zeroHeight+c.cfg.ThrottleOffHeight {
			_, err := c.transition(Ground, nil)
			return err
		}
		return nil

	case EmergencyLanding:
		if c.heightFresh(now) {
			_, err := c.transition(Landing, nil)
			return err
		}
		return nil

	case WaypointHold, WaypointTrack:
		return c.updateWaypoint(now)
	}
	return nil
}

// captureZero records the calibration references while on the ground.
func (c *Computer) captureZero(now time.Time) {
	if c.heightFresh(now) {
		c.cal.zeroHeight = c.m.height.Value
		c.cal.calibrated = true
	}
	if c.gpsFresh(now) {
		c.cal.zeroGPSHeight = c.m.gpsAlt.Value
		c.cal.zeroLatitude = c.m.gpsLat.Value
		c.cal.zeroLongitude = c.m.gpsLon.Value
	}
}

func (c *Computer) writeGroundDefaults() error {
	if err := c.writeThrottle(quad.MinSpeed); err != nil {
		return err
	}
	return c.centerTilt()
}

func (c *Computer) enterHover(h float64) {
	c.throttle.SetConfig(c.cfg.Hover)
	c.throttle.SetGoal(h)
	c.throttle.Engage(true)
	c.goalHeight = h
}

func (c *Computer) exitHover() {
	c.throttle.Engage(false)
	c.goalHeight = 0
}

// stabilize hands the attitude axes to the pitch, roll and yaw controllers,
// or back to the pilot with centered servos.
func (c *Computer) stabilize(on bool) error {
	if on {
		if err := c.rc.ClearBits(rc.Stabilizers); err != nil {
			return err
		}
	}
	for _, p := range []*pid.Controller{c.elevator, c.aileron, c.rudder} {
		p.SetConfig(c.cfg.Orientation)
		p.SetGoal(0)
		p.Engage(on)
	}
	c.stabilizers = on
	if on {
		return nil
	}
	if err := c.rc.SetBits(rc.Stabilizers); err != nil {
		return err
	}
	return c.centerTilt()
}

func (c *Computer) enterWaypoint(m ModeID, wp Waypoint) error {
	c.waypoint = wp
	c.goalHeight = wp.Altitude

	c.throttle.SetConfig(c.cfg.Hover)
	c.throttle.SetGoal(wp.Altitude)
	c.throttle.Engage(false)
	c.gpsThrottle.SetConfig(c.cfg.GPS)
	// GPS altitude is above sea level, not above the takeoff point.
	c.gpsThrottle.SetGoal(wp.Altitude + c.cal.zeroGPSHeight)
	c.gpsThrottle.Engage(true)
	c.gpsActive = true

	c.rudder.SetConfig(c.cfg.Orientation)
	c.rudder.SetGoal(0)
	c.rudder.Engage(true)

	lat, lon := c.cal.zeroLatitude, c.cal.zeroLongitude
	if m == WaypointTrack {
		lat, lon = wp.Latitude, wp.Longitude
	}
	c.latitude.SetConfig(c.cfg.Position)
	c.latitude.SetGoal(lat)
	c.latitude.Engage(true)
	c.longitude.SetConfig(c.cfg.Position)
	c.longitude.SetGoal(lon)
	c.longitude.Engage(true)

	return c.rc.ClearBits(rc.Stabilizers)
}

func (c *Computer) exitWaypoint() error {
	for _, p := range []*pid.Controller{c.throttle, c.gpsThrottle, c.rudder, c.latitude, c.longitude} {
		p.Engage(false)
	}
	c.throttle.SetGoal(0)
	c.gpsThrottle.SetGoal(0)
	c.gpsActive = false
	c.goalHeight = 0
	c.waypoint = Waypoint{}
	if err := c.rc.SetBits(rc.Stabilizers); err != nil {
		return err
	}
	return c.centerTilt()
}

// updateWaypoint keeps exactly one altitude controller engaged, preferring
// the ultrasonic height while it is fresh.
func (c *Computer) updateWaypoint(now time.Time) error {
	switch {
	case c.heightFresh(now):
		if c.gpsActive {
			c.gpsActive = false
			c.gpsThrottle.Engage(false)
			c.throttle.Engage(true)
			c.log.Info("altitude source: ultrasonic")
		}
	case c.gpsFresh(now):
		if !c.gpsActive {
			c.gpsActive = true
			c.throttle.Engage(false)
			c.gpsThrottle.Engage(true)
			c.log.Info("altitude source: gps")
		}
	default:
		_, err := c.transition(EmergencyLanding, nil)
		return err
	}
	return nil
}
