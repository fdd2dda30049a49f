// Package command implements the single-letter pilot command language used
// over the ground station serial radio and the web API.
//
//	t <h>                 take off and hover at h meters
//	h <h>                 change hover height
//	l                     land
//	w <alt>               hold position over the calibration point at alt
//	k <alt> <lat> <lon>   fly to and hold a waypoint
//	c <set> kp ki kd min max
//	                      replace a gain set (1 hover, 2 landing,
//	                      3 orientation, 4 gps, 5 position)
//	s <0|1>               stabilizers off/on
//	f <speed>             forward stick while stabilizing
//	y <speed>             sideways stick while stabilizing
//	r <rad>               heading goal while stabilizing
//	m <int>, n <int>      minimum/maximum throttle
//	a                     calibrate the hover throttle
//	g                     return to ground
//	o                     hand all axes to the pilot
//	e                     re-engage automatic control from manual
//	x                     abort
//
// Letters are case-insensitive and arguments are whitespace separated.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/flight"
)

// ErrSyntax reports a malformed command. It is never fatal.
var ErrSyntax = errors.New("command: syntax error")

// Commander is the part of the flight computer commands act on.
type Commander interface {
	Takeoff(height float64) (bool, error)
	Hover(height float64) (bool, error)
	Land() (bool, error)
	Waypoint(altitude float64) (bool, error)
	Track(wp flight.Waypoint) (bool, error)
	Abort() (bool, error)
	SetManual() (bool, error)
	SetAuto() (bool, error)
	Calibrate() (bool, error)
	Ground() (bool, error)
	Stabilize(on bool) (bool, error)
	SetPIDConfig(set flight.GainSet, gains [5]float64) error
	SetMinThrottle(v int) error
	SetMaxThrottle(v int) error
	Forward(speed int) bool
	Sideways(speed int) bool
	Rotate(angle float64) bool
}

// Result describes what a command did.
type Result struct {
	Command  string `json:"command"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type Parser struct {
	c   Commander
	log logrus.FieldLogger
}

func NewParser(c Commander, log logrus.FieldLogger) *Parser {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Parser{c: c, log: log.WithField("component", "command")}
}

// Do runs one command. Syntax and validation problems come back in the
// Result with a nil error; the error is reserved for actuator link failures.
func (p *Parser) Do(cmd string) (Result, error) {
	cmd = strings.TrimSpace(cmd)
	res := Result{Command: cmd}
	accepted, err := p.dispatch(cmd)
	switch {
	case err == nil:
		res.Accepted = accepted
	case errors.Is(err, ErrSyntax) || errors.Is(err, errInvalid):
		res.Error = err.Error()
		p.log.WithField("cmd", cmd).WithError(err).Warn("command rejected")
		return res, nil
	default:
		res.Error = err.Error()
		return res, err
	}
	p.log.WithFields(logrus.Fields{"cmd": cmd, "accepted": accepted}).Info("command")
	return res, nil
}

var errInvalid = errors.New("command: invalid value")

func (p *Parser) dispatch(cmd string) (bool, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false, fmt.Errorf("%w: empty command", ErrSyntax)
	}
	op := strings.ToLower(fields[0])
	args := fields[1:]
	if len(op) != 1 {
		return false, fmt.Errorf("%w: unknown command %q", ErrSyntax, fields[0])
	}

	switch op[0] {
	case 't':
		h, err := floats(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Takeoff(h[0])
	case 'h':
		h, err := floats(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Hover(h[0])
	case 'l':
		return p.c.Land()
	case 'w':
		v, err := floats(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Waypoint(v[0])
	case 'k':
		v, err := floats(args, 3)
		if err != nil {
			return false, err
		}
		return p.c.Track(flight.Waypoint{Altitude: v[0], Latitude: v[1], Longitude: v[2]})
	case 'c':
		if len(args) != 6 {
			return false, fmt.Errorf("%w: c needs a gain set and 5 gains", ErrSyntax)
		}
		set, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("%w: bad gain set %q", ErrSyntax, args[0])
		}
		v, err := floats(args[1:], 5)
		if err != nil {
			return false, err
		}
		var gains [5]float64
		copy(gains[:], v)
		if err := p.c.SetPIDConfig(flight.GainSet(set), gains); err != nil {
			return false, fmt.Errorf("%w: %v", errInvalid, err)
		}
		return true, nil
	case 's':
		v, err := ints(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Stabilize(v[0] != 0)
	case 'f':
		v, err := ints(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Forward(v[0]), nil
	case 'y':
		v, err := ints(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Sideways(v[0]), nil
	case 'r':
		v, err := floats(args, 1)
		if err != nil {
			return false, err
		}
		return p.c.Rotate(v[0]), nil
	case 'm', 'n':
		v, err := ints(args, 1)
		if err != nil {
			return false, err
		}
		set := p.c.SetMinThrottle
		if op[0] == 'n' {
			set = p.c.SetMaxThrottle
		}
		if err := set(v[0]); err != nil {
			return false, fmt.Errorf("%w: %v", errInvalid, err)
		}
		return true, nil
	case 'a':
		return p.c.Calibrate()
	case 'g':
		return p.c.Ground()
	case 'o':
		return p.c.SetManual()
	case 'e':
		return p.c.SetAuto()
	case 'x':
		return p.c.Abort()
	}
	return false, fmt.Errorf("%w: unknown command %q", ErrSyntax, fields[0])
}

func floats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", ErrSyntax, n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, a)
		}
		out[i] = v
	}
	return out, nil
}

func ints(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", ErrSyntax, n, len(args))
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("%w: bad integer %q", ErrSyntax, a)
		}
		out[i] = v
	}
	return out, nil
}
