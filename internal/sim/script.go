package sim

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rotorpilot/internal/command"
)

// Script is a timed list of pilot actions for a simulated flight.
//
// YAML schema (v1):
//
//	version: 1
//	steps:
//	  - t: 0s
//	    command: a
//	  - t: 20s
//	    command: t 1.5
//	  - t: 60s
//	    pilot_throttle_us: 1500
//	  - t: 90s
//	    command: l
//
// Steps must be sorted by t. A step may set a command, a receiver throttle
// pulse, or both.
type Script struct {
	Version int    `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

type Step struct {
	T             time.Duration `yaml:"t"`
	Command       string        `yaml:"command"`
	PilotThrottle int           `yaml:"pilot_throttle_us"`
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

// ParseScriptYAML parses and validates a script.
func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Version != 1 {
		return Script{}, fmt.Errorf("unsupported script version %d", s.Version)
	}
	if len(s.Steps) == 0 {
		return Script{}, fmt.Errorf("steps is required")
	}
	for i, st := range s.Steps {
		if st.T < 0 {
			return Script{}, fmt.Errorf("steps[%d].t must be >= 0", i)
		}
		if i > 0 && st.T < s.Steps[i-1].T {
			return Script{}, fmt.Errorf("steps must be sorted by t (index %d)", i)
		}
		if st.Command == "" && st.PilotThrottle == 0 {
			return Script{}, fmt.Errorf("steps[%d] sets neither command nor pilot_throttle_us", i)
		}
	}
	return s, nil
}

// Duration is the time of the last step.
func (s Script) Duration() time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	return s.Steps[len(s.Steps)-1].T
}

type CommandRunner interface {
	Do(cmd string) (command.Result, error)
}

// Play runs the steps against runner and e in real time. Rejected commands
// are logged and the script continues; a runner error ends it.
func (s Script) Play(ctx context.Context, runner CommandRunner, e *Engine, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "script")
	start := time.Now()
	for i, st := range s.Steps {
		if wait := st.T - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
		if st.PilotThrottle != 0 && e != nil {
			e.SetPilotThrottle(st.PilotThrottle)
		}
		if st.Command == "" {
			continue
		}
		res, err := runner.Do(st.Command)
		if err != nil {
			return fmt.Errorf("script step %d: %w", i, err)
		}
		l := log.WithFields(logrus.Fields{"step": i, "command": st.Command})
		if res.Error != "" {
			l.WithField("error", res.Error).Warn("script command rejected")
		} else {
			l.WithField("accepted", res.Accepted).Info("script command")
		}
	}
	log.Info("script finished")
	return nil
}
