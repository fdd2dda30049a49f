package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// MeasureFunc takes one reading. Returning ErrNoMeasurement (or a wrapped
// form) skips the cycle; any other error stops the poller.
type MeasureFunc func(ctx context.Context) (float64, error)

// Poller periodically measures and notifies a Signal.
type Poller struct {
	Signal   *Signal
	Interval time.Duration
	Measure  MeasureFunc
	Log      logrus.FieldLogger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Poll performs one measurement and delivery.
func (p *Poller) Poll(ctx context.Context) error {
	v, err := p.Measure(ctx)
	if err != nil {
		if errors.Is(err, ErrNoMeasurement) {
			if p.Log != nil {
				p.Log.WithField("signal", p.Signal.Name()).WithError(err).Debug("measurement skipped")
			}
			return nil
		}
		return fmt.Errorf("signal %s: measure: %w", p.Signal.Name(), err)
	}
	return p.Signal.Notify(v, p.now())
}

// Run polls until ctx is done or a fatal error occurs.
func (p *Poller) Run(ctx context.Context) error {
	if p.Signal == nil || p.Measure == nil {
		return fmt.Errorf("signal: poller is not configured")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.Poll(ctx); err != nil {
				return err
			}
		}
	}
}
