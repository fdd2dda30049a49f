//go:build linux

package quad

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ServoPeriod is the standard 50 Hz RC servo frame.
const ServoPeriod = 20 * time.Millisecond

var pwmSysfsBase = "/sys/class/pwm"

// SysfsPWM drives servo channels of one /sys/class/pwm chip. Channels are
// exported and configured lazily on their first write.
type SysfsPWM struct {
	chipPath string
	periodNS uint64

	mu      sync.Mutex
	enabled map[int]bool
}

// OpenSysfsPWM opens the named pwmchip, or the first usable one when chip is
// empty.
func OpenSysfsPWM(chip string) (*SysfsPWM, error) {
	var chipPath string
	if chip != "" {
		chipPath = filepath.Join(pwmSysfsBase, chip)
		if _, err := readInt(filepath.Join(chipPath, "npwm")); err != nil {
			return nil, fmt.Errorf("quad: pwm chip %s: %w", chip, err)
		}
	} else {
		p, err := findPWMChip()
		if err != nil {
			return nil, err
		}
		chipPath = p
	}
	return &SysfsPWM{
		chipPath: chipPath,
		periodNS: uint64(ServoPeriod.Nanoseconds()),
		enabled:  make(map[int]bool),
	}, nil
}

func findPWMChip() (string, error) {
	entries, err := os.ReadDir(pwmSysfsBase)
	if err != nil {
		return "", fmt.Errorf("quad: read %s: %w", pwmSysfsBase, err)
	}
	// pwmchipN entries are usually symlinks, so only the name is checked here.
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		chip := filepath.Join(pwmSysfsBase, name)
		if n, err := readInt(filepath.Join(chip, "npwm")); err == nil && n > 0 {
			return chip, nil
		}
	}
	return "", fmt.Errorf("quad: no sysfs pwmchip found (is the pwm overlay enabled?)")
}

func (d *SysfsPWM) channelPath(ch int) string {
	return filepath.Join(d.chipPath, fmt.Sprintf("pwm%d", ch))
}

func (d *SysfsPWM) ensureExported(ch int) error {
	path := d.channelPath(ch)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(d.chipPath, "export"), strconv.Itoa(ch)); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return fmt.Errorf("quad: export pwm%d: %w", ch, err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("quad: pwm%d not created after export", ch)
}

func (d *SysfsPWM) setup(ch int) error {
	if err := d.ensureExported(ch); err != nil {
		return err
	}
	// Period may only change while disabled.
	_ = d.write(ch, "enable", "0")
	if err := d.write(ch, "period", strconv.FormatUint(d.periodNS, 10)); err != nil {
		return err
	}
	return nil
}

func (d *SysfsPWM) SetPulseWidth(ch int, us int) error {
	if us < 0 {
		return fmt.Errorf("quad: negative pulse width %d", us)
	}
	duty := uint64(us) * 1000
	if duty > d.periodNS {
		duty = d.periodNS
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled[ch] {
		if err := d.setup(ch); err != nil {
			return err
		}
	}
	if err := d.write(ch, "duty_cycle", strconv.FormatUint(duty, 10)); err != nil {
		return err
	}
	if !d.enabled[ch] {
		if err := d.write(ch, "enable", "1"); err != nil {
			return err
		}
		d.enabled[ch] = true
	}
	return nil
}

// Close disables every channel this driver enabled.
func (d *SysfsPWM) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for ch := range d.enabled {
		if err := d.write(ch, "enable", "0"); err != nil {
			errs = append(errs, err)
		}
		delete(d.enabled, ch)
	}
	return errors.Join(errs...)
}

func (d *SysfsPWM) write(ch int, name, value string) error {
	return writeSysfs(filepath.Join(d.channelPath(ch), name), value)
}

// writeSysfs opens without O_TRUNC/O_CREATE, which some attributes reject, and
// retries briefly while udev is still fixing permissions on fresh nodes.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	cerr := f.Close()
	return errors.Join(werr, cerr)
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
