// Package rc arbitrates between the pilot's remote control and the flight
// software.
//
// Each servo line is routed either from the RC receiver or from the flight
// controller by an external multiplexer. The control mask selects the route:
// a set bit hands that axis to the pilot.
package rc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/quad"
)

// ErrPulseTimeout is returned when no complete throttle pulse was seen in time.
var ErrPulseTimeout = errors.New("rc: pulse timeout")

type Mask uint8

const (
	Elevator Mask = 1 << iota
	Aileron
	Throttle
	Rudder

	FullManual = Elevator | Aileron | Throttle | Rudder
	// Stabilizers are the attitude axes handed to software while stabilizing.
	Stabilizers = Elevator | Aileron | Rudder
)

func (m Mask) Has(b Mask) bool { return m&b == b }

func (m Mask) String() string {
	if m == 0 {
		return "auto"
	}
	if m == FullManual {
		return "manual"
	}
	var parts []string
	for _, b := range []struct {
		bit  Mask
		name string
	}{{Elevator, "elevator"}, {Aileron, "aileron"}, {Throttle, "throttle"}, {Rudder, "rudder"}} {
		if m.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "+")
}

// PulseReader measures the pilot's raw throttle pulse width in microseconds.
type PulseReader interface {
	ReadPulse(ctx context.Context) (int, error)
}

// OverrideSwitch routes each axis to the receiver (bit set) or the flight
// controller (bit clear).
type OverrideSwitch interface {
	SetOverride(m Mask) error
	Close() error
}

// RawReader reports the pulse width the software currently commands.
type RawReader interface {
	ReadRaw(a quad.Axis) int
}

type Config struct {
	// ThrottleMin is the raw pulse the pilot must exceed to take over.
	ThrottleMin int
	// ThrottleDelta is how close the pilot throttle must come to the
	// software throttle before takeover.
	ThrottleDelta int
	Interval      time.Duration
}

func DefaultConfig() Config {
	return Config{ThrottleMin: 1300, ThrottleDelta: 200, Interval: 250 * time.Millisecond}
}

// State is a read-only copy of the arbitrator.
type State struct {
	Mask      Mask      `json:"mask"`
	Armed     bool      `json:"armed"`
	LastPulse int       `json:"last_pulse_us"`
	PulseAt   time.Time `json:"last_pulse_time"`
}

type Arbitrator struct {
	cfg   Config
	pulse PulseReader
	sw    OverrideSwitch
	raw   RawReader
	log   logrus.FieldLogger

	mu        sync.Mutex
	mask      Mask
	armed     bool
	lastPulse int
	pulseAt   time.Time
}

// New returns an arbitrator in fully manual mode. sw may be nil when no
// multiplexer is fitted.
func New(cfg Config, pulse PulseReader, sw OverrideSwitch, raw RawReader, log logrus.FieldLogger) (*Arbitrator, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Arbitrator{cfg: cfg, pulse: pulse, sw: sw, raw: raw, log: log}
	if err := a.SetMask(FullManual); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arbitrator) Mask() Mask {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mask
}

// SetMask replaces the mask and drives the override switch.
func (a *Arbitrator) SetMask(m Mask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setMaskLocked(m & FullManual)
}

func (a *Arbitrator) setMaskLocked(m Mask) error {
	a.mask = m
	if a.sw == nil {
		return nil
	}
	if err := a.sw.SetOverride(m); err != nil {
		return fmt.Errorf("rc: override %s: %w: %w", m, quad.ErrLinkLost, err)
	}
	return nil
}

// SetBits hands the given axes to the pilot.
func (a *Arbitrator) SetBits(b Mask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setMaskLocked((a.mask | b) & FullManual)
}

// ClearBits hands the given axes to the software.
func (a *Arbitrator) ClearBits(b Mask) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setMaskLocked(a.mask &^ b)
}

func (a *Arbitrator) Arm(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = on
}

func (a *Arbitrator) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

func (a *Arbitrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Mask: a.mask, Armed: a.armed, LastPulse: a.lastPulse, PulseAt: a.pulseAt}
}

// IsEngaged reads one throttle pulse and reports whether the pilot is taking
// over. While disarmed it never reports takeover, but arms once the pilot
// throttle drops below the minimum.
func (a *Arbitrator) IsEngaged(ctx context.Context) (bool, error) {
	if a.pulse == nil {
		return false, nil
	}
	v, err := a.pulse.ReadPulse(ctx)
	if err != nil {
		return false, err
	}

	soft := 0
	if a.raw != nil {
		soft = a.raw.ReadRaw(quad.Vertical)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastPulse = v
	a.pulseAt = time.Now()
	if a.armed {
		return v > a.cfg.ThrottleMin && v+a.cfg.ThrottleDelta > soft, nil
	}
	if v < a.cfg.ThrottleMin {
		a.armed = true
		a.log.WithField("pulse_us", v).Info("rc: armed")
	}
	return false, nil
}

// RunOnce performs one arbitration cycle. Pulse timeouts are not errors.
func (a *Arbitrator) RunOnce(ctx context.Context) error {
	if a.Mask() == FullManual {
		return nil
	}
	engaged, err := a.IsEngaged(ctx)
	if err != nil {
		if errors.Is(err, ErrPulseTimeout) || errors.Is(err, context.Canceled) {
			a.log.WithError(err).Debug("rc: no throttle pulse")
			return nil
		}
		return fmt.Errorf("rc: read throttle: %w", err)
	}
	if !engaged {
		return nil
	}
	a.log.WithField("pulse_us", a.State().LastPulse).Info("rc: pilot override")
	return a.SetMask(FullManual)
}

// Run arbitrates on the configured interval until ctx is done.
func (a *Arbitrator) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// Close releases the override switch and pulse reader if they hold resources.
func (a *Arbitrator) Close() error {
	var errs []error
	if a.sw != nil {
		errs = append(errs, a.sw.Close())
	}
	if c, ok := a.pulse.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
