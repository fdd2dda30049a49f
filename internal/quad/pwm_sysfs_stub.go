//go:build !linux

package quad

import "fmt"

type SysfsPWM struct{}

func OpenSysfsPWM(chip string) (*SysfsPWM, error) {
	return nil, fmt.Errorf("quad: sysfs pwm unsupported on this platform")
}

func (*SysfsPWM) SetPulseWidth(int, int) error {
	return fmt.Errorf("quad: sysfs pwm unsupported")
}

func (*SysfsPWM) Close() error { return nil }
