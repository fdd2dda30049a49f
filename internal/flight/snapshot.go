package flight

import (
	"time"

	"rotorpilot/internal/pid"
	"rotorpilot/internal/rc"
	"rotorpilot/internal/signal"
)

// Measurements is the latest value of every input signal.
type Measurements struct {
	Height       signal.Sample `json:"height"`
	Pitch        signal.Sample `json:"pitch"`
	Roll         signal.Sample `json:"roll"`
	Yaw          signal.Sample `json:"yaw"`
	GPSAltitude  signal.Sample `json:"gps_altitude"`
	GPSLatitude  signal.Sample `json:"gps_latitude"`
	GPSLongitude signal.Sample `json:"gps_longitude"`
}

// CalibrationState holds the zero references captured on the ground.
type CalibrationState struct {
	Calibrated    bool    `json:"calibrated"`
	ZeroHeight    float64 `json:"zero_height"`
	ZeroGPSHeight float64 `json:"zero_gps_height"`
	ZeroLatitude  float64 `json:"zero_latitude"`
	ZeroLongitude float64 `json:"zero_longitude"`
	ZeroThrottle  int     `json:"zero_throttle"`
}

// Snapshot is a read-only copy of the computer state for telemetry.
type Snapshot struct {
	Time         time.Time        `json:"time"`
	Mode         ModeID           `json:"mode"`
	Measurements Measurements     `json:"measurements"`
	Calibration  CalibrationState `json:"calibration"`
	Setpoints    Setpoints        `json:"setpoints"`
	GoalHeight   float64          `json:"goal_height"`
	Waypoint     Waypoint         `json:"waypoint"`

	HeightFresh      bool `json:"height_fresh"`
	GPSFresh         bool `json:"gps_fresh"`
	OrientationFresh bool `json:"orientation_fresh"`
	Stabilizers      bool `json:"stabilizers"`
	GPSActive        bool `json:"gps_active"`

	MinThrottle int `json:"min_throttle"`
	MaxThrottle int `json:"max_throttle"`

	Mask  rc.Mask `json:"control_mask"`
	Armed bool    `json:"rc_armed"`

	Controllers []pid.State `json:"controllers"`
}

func (c *Computer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := Snapshot{
		Time: now,
		Mode: c.mode,
		Measurements: Measurements{
			Height:       c.m.height,
			Pitch:        c.m.pitch,
			Roll:         c.m.roll,
			Yaw:          c.m.yaw,
			GPSAltitude:  c.m.gpsAlt,
			GPSLatitude:  c.m.gpsLat,
			GPSLongitude: c.m.gpsLon,
		},
		Calibration: CalibrationState{
			Calibrated:    c.cal.calibrated,
			ZeroHeight:    c.cal.zeroHeight,
			ZeroGPSHeight: c.cal.zeroGPSHeight,
			ZeroLatitude:  c.cal.zeroLatitude,
			ZeroLongitude: c.cal.zeroLongitude,
			ZeroThrottle:  c.cal.zeroThrottle,
		},
		Setpoints:        c.set,
		GoalHeight:       c.goalHeight,
		Waypoint:         c.waypoint,
		HeightFresh:      c.heightFresh(now),
		GPSFresh:         c.gpsFresh(now),
		OrientationFresh: c.orientationFresh(now),
		Stabilizers:      c.stabilizers,
		GPSActive:        c.gpsActive,
		MinThrottle:      c.cfg.MinThrottle,
		MaxThrottle:      c.cfg.MaxThrottle,
		Mask:             c.rc.Mask(),
		Armed:            c.rc.Armed(),
	}
	for _, p := range c.controllers() {
		s.Controllers = append(s.Controllers, p.State())
	}
	return s
}

// Controller returns the diagnostic state of the named PID controller.
func (c *Computer) Controller(name string) (pid.State, bool) {
	for _, p := range c.controllers() {
		if p.Name() == name {
			return p.State(), true
		}
	}
	return pid.State{}, false
}
