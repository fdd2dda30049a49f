// Package signal delivers timestamped sensor values to their listeners.
//
// A Signal fans one (value, time) pair out to every registered listener in
// registration order. Listeners that record freshness and PID controllers
// that consume the value therefore always observe the same pair.
package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoMeasurement reports that a producer had nothing to deliver this cycle
// (timeout, out-of-range reading). It is never fatal.
var ErrNoMeasurement = errors.New("signal: no measurement")

type Listener interface {
	Update(value float64, at time.Time) error
}

type ListenerFunc func(value float64, at time.Time) error

func (f ListenerFunc) Update(value float64, at time.Time) error { return f(value, at) }

type Signal struct {
	name string

	mu        sync.RWMutex
	listeners []Listener
	last      Sample
}

func New(name string) *Signal {
	return &Signal{name: name}
}

func (s *Signal) Name() string { return s.name }

func (s *Signal) Register(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Notify delivers the pair to every listener. Delivery stops at the first
// listener error, which is returned wrapped with the signal name.
func (s *Signal) Notify(value float64, at time.Time) error {
	s.mu.Lock()
	s.last = Sample{Value: value, At: at}
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()

	for _, l := range ls {
		if err := l.Update(value, at); err != nil {
			return fmt.Errorf("signal %s: %w", s.name, err)
		}
	}
	return nil
}

// Last returns the most recently delivered pair.
func (s *Signal) Last() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Sample pairs a value with the time it was measured.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Fresh reports whether the sample is no older than window at now.
// A sample that was never set is never fresh.
func (s Sample) Fresh(now time.Time, window time.Duration) bool {
	if s.At.IsZero() {
		return false
	}
	return now.Sub(s.At) <= window
}
