//go:build !linux

package rc

import (
	"context"
	"fmt"
	"time"
)

type GPIOPulseReader struct{}

func OpenGPIOPulseReader(lineName string, timeout time.Duration) (*GPIOPulseReader, error) {
	return nil, fmt.Errorf("rc: gpio unsupported on this platform")
}

func (*GPIOPulseReader) ReadPulse(context.Context) (int, error) { return 0, ErrPulseTimeout }
func (*GPIOPulseReader) Close() error                           { return nil }

type GPIOOverride struct{}

func OpenGPIOOverride(names map[Mask]string) (*GPIOOverride, error) {
	return nil, fmt.Errorf("rc: gpio unsupported on this platform")
}

func (*GPIOOverride) SetOverride(Mask) error { return nil }
func (*GPIOOverride) Close() error           { return nil }
