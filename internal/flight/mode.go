package flight

import (
	"fmt"
	"strings"
)

// ModeID identifies a flight mode.
type ModeID int

const (
	Ground ModeID = iota
	Calibration
	Hover
	StabilizedHover
	Landing
	EmergencyLanding
	WaypointHold
	WaypointTrack
	ManualControl
	Failed

	numModes
)

var modeNames = [numModes]string{
	Ground:           "ground",
	Calibration:      "calibration",
	Hover:            "hover",
	StabilizedHover:  "stabilized_hover",
	Landing:          "landing",
	EmergencyLanding: "emergency_landing",
	WaypointHold:     "waypoint_hold",
	WaypointTrack:    "waypoint_track",
	ManualControl:    "manual_control",
	Failed:           "failed",
}

func (m ModeID) String() string {
	if m < 0 || m >= numModes {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

func (m ModeID) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMode is the inverse of String.
func ParseMode(s string) (ModeID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return ModeID(i), nil
		}
	}
	return 0, fmt.Errorf("flight: unknown mode %q", s)
}

// Modes lists every mode in declaration order.
func Modes() []ModeID {
	out := make([]ModeID, numModes)
	for i := range out {
		out[i] = ModeID(i)
	}
	return out
}

// Waypoint is a 3-D target. Altitude is meters, coordinates are degrees.
type Waypoint struct {
	Altitude  float64 `json:"altitude"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Graph is the set of legal transitions.
type Graph [numModes]map[ModeID]bool

// DefaultGraph returns the transition table. Every mode except Failed can
// reach Failed and ManualControl; Failed reaches nothing.
func DefaultGraph() Graph {
	var g Graph
	for i := range g {
		g[i] = make(map[ModeID]bool)
	}
	edges := map[ModeID][]ModeID{
		Ground:           {Hover, Calibration},
		Calibration:      {Landing, EmergencyLanding},
		Hover:            {Hover, StabilizedHover, Landing, EmergencyLanding, WaypointHold},
		StabilizedHover:  {Hover, StabilizedHover, Landing, EmergencyLanding, WaypointHold},
		Landing:          {Hover, Ground, EmergencyLanding},
		EmergencyLanding: {Landing},
		WaypointHold:     {Hover, Landing, EmergencyLanding, WaypointHold, WaypointTrack},
		WaypointTrack:    {Hover, Landing, EmergencyLanding, WaypointHold, WaypointTrack},
		ManualControl:    {Hover},
	}
	for from, tos := range edges {
		for _, to := range tos {
			g[from][to] = true
		}
	}
	for m := ModeID(0); m < numModes; m++ {
		if m == Failed {
			continue
		}
		g[m][Failed] = true
		g[m][ManualControl] = true
	}
	return g
}

func (g Graph) Allowed(from, to ModeID) bool {
	if from < 0 || from >= numModes {
		return false
	}
	return g[from][to]
}
