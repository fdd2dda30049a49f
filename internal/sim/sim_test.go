package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotorpilot/internal/command"
	"rotorpilot/internal/quad"
	"rotorpilot/internal/ultrasonic"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quietEngine() (*Engine, *fakeClock) {
	cfg := DefaultConfig()
	cfg.HeightNoise = 0
	cfg.GPSNoise = 0
	clk := &fakeClock{t: time.Unix(1000, 0)}
	return newEngine(cfg, clk.now, rand.New(rand.NewSource(1))), clk
}

func TestEngine_RestsOnGround(t *testing.T) {
	e, clk := quietEngine()
	require.NoError(t, e.SetPulseWidth(quad.DefaultChannels[quad.Vertical], 1500))
	clk.advance(5 * time.Second)
	assert.Equal(t, copterHeight, e.Height())
}

func TestEngine_FullThrottleClimbs(t *testing.T) {
	e, clk := quietEngine()
	require.NoError(t, e.SetPulseWidth(quad.DefaultChannels[quad.Vertical], quad.MaxPulse))
	clk.advance(time.Second)

	acc := thrust*175 - gravity
	assert.InDelta(t, copterHeight+acc, e.Height(), 1e-9)

	alt, err := e.GPSAltitude(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9.0, alt)
}

func TestEngine_ThroughQuad(t *testing.T) {
	e, clk := quietEngine()
	q := quad.New(e, quad.DefaultChannels)
	require.NoError(t, q.Throttle(100))
	clk.advance(time.Second)
	assert.Greater(t, e.Height(), 8.0)
}

func TestEngine_FallsBackToGround(t *testing.T) {
	e, clk := quietEngine()
	ch := quad.DefaultChannels[quad.Vertical]
	require.NoError(t, e.SetPulseWidth(ch, quad.MaxPulse))
	clk.advance(time.Second)
	require.NoError(t, e.SetPulseWidth(ch, quad.MinPulse))
	for i := 0; i < 100; i++ {
		clk.advance(100 * time.Millisecond)
		e.Height()
	}
	assert.Equal(t, copterHeight, e.Height())
}

func TestEngine_AnglesFrozenOnGround(t *testing.T) {
	e, clk := quietEngine()
	require.NoError(t, e.SetPulseWidth(quad.DefaultChannels[quad.Rotational], quad.MaxPulse))
	clk.advance(time.Second)

	yaw, err := e.Yaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -math.Pi, yaw)
}

func TestEngine_YawTurnsWhenAirborne(t *testing.T) {
	e, clk := quietEngine()
	require.NoError(t, e.SetPulseWidth(quad.DefaultChannels[quad.Vertical], quad.MaxPulse))
	clk.advance(time.Second)

	// 1590us is speed 20; a quarter turn takes 35/80 s.
	require.NoError(t, e.SetPulseWidth(quad.DefaultChannels[quad.Rotational], 1590))
	clk.advance(437500 * time.Microsecond)

	yaw, err := e.Yaw(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -math.Pi/2, yaw, 1e-9)

	// Pitch and roll had no input.
	pitch, _ := e.Pitch(context.Background())
	roll, _ := e.Roll(context.Background())
	assert.Equal(t, 0.2, pitch)
	assert.Equal(t, 0.2, roll)
}

func TestNormalize(t *testing.T) {
	assert.InDelta(t, -math.Pi/2, normalize(3*math.Pi/2), 1e-12)
	assert.InDelta(t, math.Pi/2, normalize(-3*math.Pi/2), 1e-12)
	assert.InDelta(t, -math.Pi, normalize(math.Pi), 1e-12)
	assert.Equal(t, 1.0, normalize(1))
}

func TestEngine_PingMatchesHeight(t *testing.T) {
	e, _ := quietEngine()
	s := ultrasonic.New(e)
	h, err := s.Measure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, copterHeight, h, 0.001)
}

func TestEngine_PilotThrottle(t *testing.T) {
	e, _ := quietEngine()
	us, err := e.ReadPulse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1100, us)

	e.SetPilotThrottle(1600)
	us, err = e.ReadPulse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1600, us)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ReadPulse(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Position(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Latitude, cfg.Longitude = 37.4, -122.1
	e := New(cfg)
	lat, _ := e.Latitude(context.Background())
	lon, _ := e.Longitude(context.Background())
	assert.Equal(t, 37.4, lat)
	assert.Equal(t, -122.1, lon)
}

func TestParseScriptYAML(t *testing.T) {
	s, err := ParseScriptYAML([]byte(`
steps:
  - t: 0s
    command: a
  - t: 2s
    pilot_throttle_us: 1500
  - t: 3s
    command: l
`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, 1500, s.Steps[1].PilotThrottle)
	assert.Equal(t, 3*time.Second, s.Duration())
}

func TestParseScriptYAML_Errors(t *testing.T) {
	cases := map[string]string{
		"version":  "version: 2\nsteps:\n  - t: 0s\n    command: a\n",
		"empty":    "version: 1\n",
		"unsorted": "steps:\n  - t: 2s\n    command: a\n  - t: 1s\n    command: g\n",
		"noop":     "steps:\n  - t: 1s\n",
		"negative": "steps:\n  - t: -1s\n    command: a\n",
		"yaml":     "steps: [\n",
	}
	for name, y := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScriptYAML([]byte(y))
			assert.Error(t, err)
		})
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	cmds []string
	res  map[string]command.Result
	err  map[string]error
}

func (f *fakeRunner) Do(cmd string) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	r := f.res[cmd]
	r.Command = cmd
	return r, f.err[cmd]
}

func TestScript_Play(t *testing.T) {
	log, hook := test.NewNullLogger()
	e, _ := quietEngine()
	r := &fakeRunner{res: map[string]command.Result{
		"a": {Accepted: true},
		"q": {Error: "command: syntax error"},
	}}
	s := Script{Version: 1, Steps: []Step{
		{T: 0, Command: "a"},
		{T: 5 * time.Millisecond, Command: "q"},
		{T: 10 * time.Millisecond, PilotThrottle: 1700},
		{T: 10 * time.Millisecond, Command: "l"},
	}}

	require.NoError(t, s.Play(context.Background(), r, e, log))
	assert.Equal(t, []string{"a", "q", "l"}, r.cmds)
	us, _ := e.ReadPulse(context.Background())
	assert.Equal(t, 1700, us)
	assert.Equal(t, "script finished", hook.LastEntry().Message)
}

func TestScript_PlayStopsOnRunnerError(t *testing.T) {
	log, _ := test.NewNullLogger()
	boom := errors.New("link lost")
	r := &fakeRunner{err: map[string]error{"h": boom}}
	s := Script{Version: 1, Steps: []Step{{Command: "h"}, {Command: "l"}}}

	err := s.Play(context.Background(), r, nil, log)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"h"}, r.cmds)
}

func TestScript_PlayCanceled(t *testing.T) {
	log, _ := test.NewNullLogger()
	r := &fakeRunner{}
	s := Script{Version: 1, Steps: []Step{{T: time.Hour, Command: "l"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Play(ctx, r, nil, log))
	assert.Empty(t, r.cmds)
}
