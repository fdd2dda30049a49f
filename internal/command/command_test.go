package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotorpilot/internal/flight"
	"rotorpilot/internal/quad"
)

type fakeComputer struct {
	calls  []string
	accept bool
	err    error
}

func (f *fakeComputer) rec(format string, args ...any) (bool, error) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.accept, f.err
}

func (f *fakeComputer) Takeoff(h float64) (bool, error)  { return f.rec("takeoff %g", h) }
func (f *fakeComputer) Hover(h float64) (bool, error)    { return f.rec("hover %g", h) }
func (f *fakeComputer) Land() (bool, error)              { return f.rec("land") }
func (f *fakeComputer) Waypoint(a float64) (bool, error) { return f.rec("waypoint %g", a) }
func (f *fakeComputer) Track(wp flight.Waypoint) (bool, error) {
	return f.rec("track %g %g %g", wp.Altitude, wp.Latitude, wp.Longitude)
}
func (f *fakeComputer) Abort() (bool, error)             { return f.rec("abort") }
func (f *fakeComputer) SetManual() (bool, error)         { return f.rec("manual") }
func (f *fakeComputer) SetAuto() (bool, error)           { return f.rec("auto") }
func (f *fakeComputer) Calibrate() (bool, error)         { return f.rec("calibrate") }
func (f *fakeComputer) Ground() (bool, error)            { return f.rec("ground") }
func (f *fakeComputer) Stabilize(on bool) (bool, error)  { return f.rec("stabilize %t", on) }
func (f *fakeComputer) SetMinThrottle(v int) error {
	if v < quad.MinSpeed {
		return errors.New("out of range")
	}
	_, _ = f.rec("min %d", v)
	return nil
}
func (f *fakeComputer) SetMaxThrottle(v int) error {
	_, _ = f.rec("max %d", v)
	return nil
}
func (f *fakeComputer) SetPIDConfig(set flight.GainSet, g [5]float64) error {
	if set < flight.HoverGains || set > flight.PositionGains {
		return errors.New("unknown gain set")
	}
	_, _ = f.rec("pid %s %v", set, g)
	return nil
}
func (f *fakeComputer) Forward(s int) bool {
	_, _ = f.rec("forward %d", s)
	return f.accept
}
func (f *fakeComputer) Sideways(s int) bool {
	_, _ = f.rec("sideways %d", s)
	return f.accept
}
func (f *fakeComputer) Rotate(a float64) bool {
	_, _ = f.rec("rotate %g", a)
	return f.accept
}

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParser_Dispatch(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
	}{
		{"t 1", "takeoff 1"},
		{"T 1.5", "takeoff 1.5"},
		{"h 2", "hover 2"},
		{"l", "land"},
		{"w 2.5", "waypoint 2.5"},
		{"k 2 47.5 -122.25", "track 2 47.5 -122.25"},
		{"c 1 57 70 35 -600 4000", "pid hover [57 70 35 -600 4000]"},
		{"c 5 2 0.1 1 -50 50", "pid position [2 0.1 1 -50 50]"},
		{"s 1", "stabilize true"},
		{"s 0", "stabilize false"},
		{"f 30", "forward 30"},
		{"y -30", "sideways -30"},
		{"r 1.57", "rotate 1.57"},
		{"m -40", "min -40"},
		{"n 80", "max 80"},
		{"a", "calibrate"},
		{"g", "ground"},
		{"o", "manual"},
		{"e", "auto"},
		{"X", "abort"},
	}
	for _, tc := range cases {
		t.Run(tc.cmd, func(t *testing.T) {
			fc := &fakeComputer{accept: true}
			res, err := NewParser(fc, quietLog()).Do(tc.cmd)
			require.NoError(t, err)
			assert.True(t, res.Accepted)
			assert.Empty(t, res.Error)
			assert.Equal(t, []string{tc.want}, fc.calls)
		})
	}
}

func TestParser_Rejects(t *testing.T) {
	for _, cmd := range []string{"", "q", "hover 1", "t", "t high", "k 1 2", "c 1 1 2 3", "c x 1 2 3 4 5", "s on", "m 1.5", "c 9 1 2 3 4 5", "m -500"} {
		t.Run(cmd, func(t *testing.T) {
			fc := &fakeComputer{accept: true}
			res, err := NewParser(fc, quietLog()).Do(cmd)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.Error)
			assert.Empty(t, fc.calls)
		})
	}
}

func TestParser_NotAccepted(t *testing.T) {
	fc := &fakeComputer{accept: false}
	res, err := NewParser(fc, quietLog()).Do("l")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Empty(t, res.Error)
}

func TestParser_LinkErrorPropagates(t *testing.T) {
	fc := &fakeComputer{err: quad.ErrLinkLost}
	res, err := NewParser(fc, quietLog()).Do("x")
	require.ErrorIs(t, err, quad.ErrLinkLost)
	assert.NotEmpty(t, res.Error)
}

type rw struct {
	io.Reader
	out bytes.Buffer
}

func (r *rw) Write(p []byte) (int, error) { return r.out.Write(p) }

func TestLink_FramesAndEchoes(t *testing.T) {
	fc := &fakeComputer{accept: true}
	stream := &rw{Reader: strings.NewReader(" t 1 ;h 2;;bogus;l;partial")}
	l := NewLink(stream, ';', NewParser(fc, quietLog()), quietLog())

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"takeoff 1", "hover 2", "land"}, fc.calls)

	out := stream.out.String()
	assert.Contains(t, out, "t 1: ok\r\n")
	assert.Contains(t, out, "bogus: rejected: ")
	assert.NotContains(t, out, "partial")
}

func TestLink_Sleep(t *testing.T) {
	fc := &fakeComputer{accept: true}
	stream := &rw{Reader: strings.NewReader("t 1;z 5000;l;z x;")}
	l := NewLink(stream, ';', NewParser(fc, quietLog()), quietLog())
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
	assert.Equal(t, []string{"takeoff 1", "land"}, fc.calls)
	assert.Contains(t, stream.out.String(), "z x: rejected: bad sleep")
}

func TestLink_StopsOnLinkLost(t *testing.T) {
	fc := &fakeComputer{err: quad.ErrLinkLost}
	stream := &rw{Reader: strings.NewReader("x;l;")}
	l := NewLink(stream, ';', NewParser(fc, quietLog()), quietLog())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, quad.ErrLinkLost)
	assert.Equal(t, []string{"abort"}, fc.calls)
}

func TestOpenSerial_Error(t *testing.T) {
	prev := openSerial
	openSerial = func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no tty") }
	t.Cleanup(func() { openSerial = prev })

	_, _, err := OpenSerial("/dev/ttyS9", 115200, ';', NewParser(&fakeComputer{}, quietLog()), quietLog())
	require.EqualError(t, err, "command: no tty")
}
