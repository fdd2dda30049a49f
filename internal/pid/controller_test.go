package pid

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	outputs []float64
	err     error
}

func (s *recordingSink) Adjust(v float64) error {
	s.outputs = append(s.outputs, v)
	return s.err
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func newEngaged(cfg Config, goal float64, sink Sink) *Controller {
	c := New("test", Linear{}, sink)
	c.SetConfig(cfg)
	c.SetGoal(goal)
	c.Engage(true)
	return c
}

func TestController_DisengagedIsFrozen(t *testing.T) {
	sink := &recordingSink{}
	c := New("test", Linear{}, sink)
	c.SetConfig(Config{Kp: 1, MinIntegral: -10, MaxIntegral: 10})
	c.SetGoal(5)

	require.NoError(t, c.Update(1, at(0)))
	require.NoError(t, c.Update(2, at(100)))

	assert.Empty(t, sink.outputs)
	st := c.State()
	assert.True(t, st.Armed, "first-sample flag must survive while disengaged")
	assert.True(t, st.At.IsZero())
}

func TestController_FirstSamplePrimes(t *testing.T) {
	sink := &recordingSink{}
	c := newEngaged(Config{Kp: 2, Ki: 1, Kd: 1, MinIntegral: -100, MaxIntegral: 100}, 10, sink)

	require.NoError(t, c.Update(4, at(0)))
	assert.Empty(t, sink.outputs)

	st := c.State()
	assert.False(t, st.Armed)
	assert.Equal(t, 6.0, st.Error)
	assert.Equal(t, 0.0, st.Integral)
	assert.Equal(t, at(0), st.At)
}

func TestController_ComputesTerms(t *testing.T) {
	sink := &recordingSink{}
	c := newEngaged(Config{Kp: 2, Ki: 0.5, Kd: 3, MinIntegral: -100, MaxIntegral: 100}, 10, sink)

	require.NoError(t, c.Update(4, at(0)))    // e=6
	require.NoError(t, c.Update(6, at(500))) // e=4, dt=0.5

	require.Len(t, sink.outputs, 1)
	// p=8, integral=2 -> i=1, d=3*(4-6)/0.5=-12
	assert.InDelta(t, 8+1-12, sink.outputs[0], 1e-9)
}

func TestController_NonPositiveDeltaIgnored(t *testing.T) {
	sink := &recordingSink{}
	c := newEngaged(Config{Kp: 1, Ki: 1, Kd: 1, MinIntegral: -100, MaxIntegral: 100}, 3, sink)

	require.NoError(t, c.Update(0, at(100)))
	require.NoError(t, c.Update(1, at(200)))
	before := c.State()
	n := len(sink.outputs)

	require.NoError(t, c.Update(7, at(200)))
	require.NoError(t, c.Update(9, at(150)))

	assert.Len(t, sink.outputs, n)
	after := c.State()
	assert.Equal(t, before.Error, after.Error)
	assert.Equal(t, before.At, after.At)
	assert.Equal(t, before.Integral, after.Integral)
}

func TestController_IntegralStaysClamped(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cfg := Config{Kp: 0.3, Ki: 0.2, Kd: 0.1, MinIntegral: -2, MaxIntegral: 5}
	c := newEngaged(cfg, 0, &recordingSink{})

	ms := 0
	for i := 0; i < 2000; i++ {
		ms += r.Intn(200) - 20
		require.NoError(t, c.Update(r.Float64()*200-100, at(ms)))
		in := c.State().Integral
		require.GreaterOrEqual(t, in, cfg.MinIntegral)
		require.LessOrEqual(t, in, cfg.MaxIntegral)
	}
}

func TestController_GoalAndConfigRearm(t *testing.T) {
	sink := &recordingSink{}
	c := newEngaged(Config{Kp: 1, Kd: 100, MinIntegral: -1, MaxIntegral: 1}, 0, sink)
	require.NoError(t, c.Update(0, at(0)))
	require.NoError(t, c.Update(0, at(100)))
	require.Len(t, sink.outputs, 1)

	c.SetGoal(50)
	assert.True(t, c.State().Armed)
	// No derivative spike: the first sample after a goal change primes only.
	require.NoError(t, c.Update(0, at(200)))
	assert.Len(t, sink.outputs, 1)

	require.NoError(t, c.Update(0, at(300)))
	c.SetConfig(Config{Kp: 1})
	assert.True(t, c.State().Armed)
}

func TestController_EngageDoesNotRearm(t *testing.T) {
	sink := &recordingSink{}
	c := newEngaged(Config{Kp: 1, MinIntegral: -1, MaxIntegral: 1}, 1, sink)
	require.NoError(t, c.Update(0, at(0)))

	c.Engage(false)
	c.Engage(true)
	assert.False(t, c.State().Armed)

	require.NoError(t, c.Update(0, at(100)))
	assert.Len(t, sink.outputs, 1)
}

func TestController_SinkErrorPropagates(t *testing.T) {
	lost := errors.New("link lost")
	c := newEngaged(Config{Kp: 1}, 1, &recordingSink{err: lost})
	require.NoError(t, c.Update(0, at(0)))
	err := c.Update(0, at(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, lost)
}

func TestConfig_GainsRoundTrip(t *testing.T) {
	g := [5]float64{57, 70, 35, -600, 4000}
	assert.Equal(t, g, ConfigFromGains(g).Gains())
	assert.Error(t, Config{MinIntegral: 1, MaxIntegral: 0}.Validate())
	assert.NoError(t, ConfigFromGains(g).Validate())
}

func TestAngular_ShortestArc(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 5000; i++ {
		goal := r.Float64()*2*math.Pi - math.Pi
		value := r.Float64()*2*math.Pi - math.Pi
		if i%2 == 1 {
			// Unwrapped inputs, several turns out.
			goal = r.Float64()*40 - 20
			value = r.Float64()*40 - 20
		}
		e := Angular{}.Error(goal, value)
		require.LessOrEqual(t, math.Abs(e), math.Pi+1e-9)

		// value + e must land on goal modulo a full turn.
		diff := math.Mod(value+e-goal, 2*math.Pi)
		if diff > math.Pi {
			diff -= 2 * math.Pi
		} else if diff < -math.Pi {
			diff += 2 * math.Pi
		}
		require.InDelta(t, 0, diff, 1e-9)
	}

	assert.InDelta(t, 0.2, Angular{}.Error(-math.Pi+0.1, math.Pi-0.1), 1e-9)
	assert.InDelta(t, -0.2, Angular{}.Error(math.Pi-0.1, -math.Pi+0.1), 1e-9)
	assert.InDelta(t, 0.5, Angular{}.Error(0.5, 0), 1e-12)
	assert.InDelta(t, 0, Angular{}.Error(0, 4*math.Pi), 1e-9)
	assert.InDelta(t, 12-4*math.Pi, Angular{}.Error(3, -9), 1e-9)
}

func TestGeodesic_Scales(t *testing.T) {
	assert.InDelta(t, MetersPerDegree*0.001, Geodesic{}.Error(47.001, 47), 1e-6)
	assert.InDelta(t, -2.0, Geodesic{Scale: 1000}.Error(0, 0.002), 1e-9)
}

func TestNormalizeAngle(t *testing.T) {
	assert.InDelta(t, math.Pi, NormalizeAngle(-math.Pi), 1e-12)
	assert.InDelta(t, -math.Pi/2, NormalizeAngle(3*math.Pi/2), 1e-12)
	assert.InDelta(t, 0.25, NormalizeAngle(0.25+4*math.Pi), 1e-9)
}
