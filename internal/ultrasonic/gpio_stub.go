//go:build !linux

package ultrasonic

import (
	"context"
	"fmt"
	"time"
)

type GPIOPinger struct{}

func OpenGPIO(triggerLine, echoLine string) (*GPIOPinger, error) {
	return nil, fmt.Errorf("ultrasonic: gpio not supported on this platform")
}

func (*GPIOPinger) Ping(context.Context) (time.Duration, error) { return 0, ErrNoEcho }
func (*GPIOPinger) Close() error                                 { return nil }
