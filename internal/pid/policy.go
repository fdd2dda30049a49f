package pid

import "math"

// MetersPerDegree approximates the length of one degree of latitude.
const MetersPerDegree = 111_320.0

// ErrorPolicy turns a goal and a measurement into a signed error.
type ErrorPolicy interface {
	Error(goal, value float64) float64
}

// Linear is the classic goal - value error.
type Linear struct{}

func (Linear) Error(goal, value float64) float64 { return goal - value }

// Angular measures the signed shortest arc from value to goal on a 2π circle.
// Inputs need not be normalized; a source may report unwrapped yaw.
type Angular struct{}

func (Angular) Error(goal, value float64) float64 { return NormalizeAngle(goal - value) }

// Geodesic scales a degree difference into (approximate) meters.
type Geodesic struct {
	// Scale defaults to MetersPerDegree when zero.
	Scale float64
}

func (g Geodesic) Error(goal, value float64) float64 {
	scale := g.Scale
	if scale == 0 {
		scale = MetersPerDegree
	}
	return (goal - value) * scale
}

// NormalizeAngle maps a radian angle into (-π, π].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
