//go:build linux

package rc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"rotorpilot/internal/gpioline"
)

// GPIOPulseReader measures the high time of a PWM input line from kernel
// edge timestamps.
type GPIOPulseReader struct {
	line    *gpioline.Line
	timeout time.Duration

	mu      sync.Mutex
	rise    time.Duration
	hasRise bool
	pulses  chan int
}

func OpenGPIOPulseReader(lineName string, timeout time.Duration) (*GPIOPulseReader, error) {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	r := &GPIOPulseReader{timeout: timeout, pulses: make(chan int, 1)}
	l, err := gpioline.Request(lineName, "rotorpilot-rc",
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(r.handle))
	if err != nil {
		return nil, fmt.Errorf("rc: throttle input: %w", err)
	}
	r.line = l
	return r, nil
}

func (r *GPIOPulseReader) handle(evt gpiocdev.LineEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		r.rise = evt.Timestamp
		r.hasRise = true
	case gpiocdev.LineEventFallingEdge:
		if !r.hasRise {
			return
		}
		r.hasRise = false
		us := int((evt.Timestamp - r.rise) / time.Microsecond)
		// Keep only the newest pulse.
		select {
		case <-r.pulses:
		default:
		}
		r.pulses <- us
	}
}

// ReadPulse waits for the next complete pulse.
func (r *GPIOPulseReader) ReadPulse(ctx context.Context) (int, error) {
	t := time.NewTimer(r.timeout)
	defer t.Stop()
	select {
	case us := <-r.pulses:
		return us, nil
	case <-t.C:
		return 0, ErrPulseTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *GPIOPulseReader) Close() error { return r.line.Close() }

// GPIOOverride drives one multiplexer select line per axis.
type GPIOOverride struct {
	lines map[Mask]*gpioline.Line
}

// OpenGPIOOverride requests output lines for the axes present in names.
func OpenGPIOOverride(names map[Mask]string) (*GPIOOverride, error) {
	o := &GPIOOverride{lines: make(map[Mask]*gpioline.Line, len(names))}
	for bit, name := range names {
		if name == "" {
			continue
		}
		l, err := gpioline.Request(name, "rotorpilot-override", gpiocdev.AsOutput(1))
		if err != nil {
			_ = o.Close()
			return nil, fmt.Errorf("rc: override %s: %w", bit, err)
		}
		o.lines[bit] = l
	}
	return o, nil
}

func (o *GPIOOverride) SetOverride(m Mask) error {
	for bit, l := range o.lines {
		v := 0
		if m.Has(bit) {
			v = 1
		}
		if err := l.SetValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (o *GPIOOverride) Close() error {
	var errs []error
	for bit, l := range o.lines {
		// Leave the pilot in control.
		_ = l.SetValue(1)
		errs = append(errs, l.Close())
		delete(o.lines, bit)
	}
	return errors.Join(errs...)
}
