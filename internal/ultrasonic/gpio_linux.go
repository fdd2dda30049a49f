//go:build linux

package ultrasonic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"rotorpilot/internal/gpioline"
)

// EchoTimeout bounds one ping; beyond it the target is out of range anyway.
const EchoTimeout = 30 * time.Millisecond

// GPIOPinger drives the trigger line and times the echo pulse from kernel
// edge timestamps.
type GPIOPinger struct {
	trigger *gpioline.Line
	echo    *gpioline.Line
	events  chan gpiocdev.LineEvent
}

func OpenGPIO(triggerLine, echoLine string) (*GPIOPinger, error) {
	p := &GPIOPinger{events: make(chan gpiocdev.LineEvent, 8)}
	trig, err := gpioline.Request(triggerLine, "rotorpilot-ping", gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("ultrasonic: trigger: %w", err)
	}
	echo, err := gpioline.Request(echoLine, "rotorpilot-echo",
		gpiocdev.AsInput, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(p.handle))
	if err != nil {
		_ = trig.Close()
		return nil, fmt.Errorf("ultrasonic: echo: %w", err)
	}
	p.trigger, p.echo = trig, echo
	return p, nil
}

func (p *GPIOPinger) handle(evt gpiocdev.LineEvent) {
	select {
	case p.events <- evt:
	default:
	}
}

func (p *GPIOPinger) drain() {
	for {
		select {
		case <-p.events:
		default:
			return
		}
	}
}

func (p *GPIOPinger) Ping(ctx context.Context) (time.Duration, error) {
	p.drain()
	if err := p.trigger.SetValue(1); err != nil {
		return 0, fmt.Errorf("ultrasonic: trigger: %w", err)
	}
	time.Sleep(10 * time.Microsecond)
	if err := p.trigger.SetValue(0); err != nil {
		return 0, fmt.Errorf("ultrasonic: trigger: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, EchoTimeout)
	defer cancel()
	var rise time.Duration
	risen := false
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, ErrNoEcho
			}
			return 0, ctx.Err()
		case evt := <-p.events:
			switch {
			case evt.Type == gpiocdev.LineEventRisingEdge:
				rise, risen = evt.Timestamp, true
			case evt.Type == gpiocdev.LineEventFallingEdge && risen:
				return evt.Timestamp - rise, nil
			}
		}
	}
}

func (p *GPIOPinger) Close() error {
	return errors.Join(p.echo.Close(), p.trigger.Close())
}
