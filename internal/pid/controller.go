// Package pid implements the PID control element used for every flight axis.
//
// A Controller is fed timestamped measurements (usually straight from a
// signal fan-out) and pushes its correction into a Sink. The error term is
// produced by an ErrorPolicy bound at construction.
package pid

import (
	"fmt"
	"sync"
	"time"
)

// Config holds the gains and the integral accumulator bounds.
type Config struct {
	Kp float64 `yaml:"kp" json:"kp"`
	Ki float64 `yaml:"ki" json:"ki"`
	Kd float64 `yaml:"kd" json:"kd"`

	MinIntegral float64 `yaml:"min_integral" json:"min_integral"`
	MaxIntegral float64 `yaml:"max_integral" json:"max_integral"`
}

// ConfigFromGains builds a Config from the five-value form used by the
// command protocol: kp, ki, kd, min integral, max integral.
func ConfigFromGains(g [5]float64) Config {
	return Config{Kp: g[0], Ki: g[1], Kd: g[2], MinIntegral: g[3], MaxIntegral: g[4]}
}

// Gains is the inverse of ConfigFromGains.
func (c Config) Gains() [5]float64 {
	return [5]float64{c.Kp, c.Ki, c.Kd, c.MinIntegral, c.MaxIntegral}
}

func (c Config) Validate() error {
	if c.MinIntegral > c.MaxIntegral {
		return fmt.Errorf("pid: min integral %v exceeds max integral %v", c.MinIntegral, c.MaxIntegral)
	}
	return nil
}

// Sink receives the controller output.
type Sink interface {
	Adjust(output float64) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(output float64) error

func (f SinkFunc) Adjust(output float64) error { return f(output) }

// State is a diagnostic copy of the controller internals.
type State struct {
	Name     string    `json:"name"`
	Engaged  bool      `json:"engaged"`
	Armed    bool      `json:"armed"`
	Goal     float64   `json:"goal"`
	Integral float64   `json:"integral"`
	Error    float64   `json:"last_error"`
	At       time.Time `json:"last_time"`
	Config   Config    `json:"config"`
}

// Controller is safe for concurrent use. The sink is called after the
// internal lock is released so a sink may freely take other locks.
type Controller struct {
	name   string
	policy ErrorPolicy
	sink   Sink

	mu        sync.Mutex
	cfg       Config
	goal      float64
	engaged   bool
	first     bool
	integral  float64
	lastError float64
	lastTime  time.Time
}

func New(name string, policy ErrorPolicy, sink Sink) *Controller {
	if policy == nil {
		policy = Linear{}
	}
	return &Controller{name: name, policy: policy, sink: sink, first: true}
}

func (c *Controller) Name() string { return c.name }

// Update feeds one measurement. It does nothing while disengaged. The first
// sample after arming only primes the filter, and samples that do not move
// time forward are dropped.
func (c *Controller) Update(value float64, at time.Time) error {
	out, ok := c.step(value, at)
	if !ok || c.sink == nil {
		return nil
	}
	if err := c.sink.Adjust(out); err != nil {
		return fmt.Errorf("pid %s: %w", c.name, err)
	}
	return nil
}

func (c *Controller) step(value float64, at time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.engaged {
		return 0, false
	}
	if c.first {
		c.first = false
		c.lastTime = at
		c.lastError = c.policy.Error(c.goal, value)
		c.integral = 0
		return 0, false
	}

	dt := at.Sub(c.lastTime).Seconds()
	if dt <= 0 {
		return 0, false
	}

	e := c.policy.Error(c.goal, value)

	p := c.cfg.Kp * e

	c.integral += e * dt
	if c.integral > c.cfg.MaxIntegral {
		c.integral = c.cfg.MaxIntegral
	} else if c.integral < c.cfg.MinIntegral {
		c.integral = c.cfg.MinIntegral
	}
	i := c.cfg.Ki * c.integral

	d := c.cfg.Kd * (e - c.lastError) / dt

	c.lastError = e
	c.lastTime = at
	return p + i + d, true
}

// SetGoal changes the goal and re-arms the filter.
func (c *Controller) SetGoal(goal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goal = goal
	c.first = true
}

func (c *Controller) Goal() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goal
}

// SetConfig replaces gains and bounds and re-arms the filter.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.first = true
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Engage turns output on or off. Engaging does not re-arm; only a goal or
// configuration change does.
func (c *Controller) Engage(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engaged = on
}

func (c *Controller) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Name:     c.name,
		Engaged:  c.engaged,
		Armed:    c.first,
		Goal:     c.goal,
		Integral: c.integral,
		Error:    c.lastError,
		At:       c.lastTime,
		Config:   c.cfg,
	}
}
