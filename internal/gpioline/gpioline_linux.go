//go:build linux

// Package gpioline locates and requests GPIO lines by name through the Linux
// GPIO character device.
package gpioline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// Line is a requested GPIO line together with the chip that owns it.
type Line struct {
	chip *gpiocdev.Chip
	*gpiocdev.Line
}

func (l *Line) Close() error {
	if l == nil || l.Line == nil {
		return nil
	}
	err := l.Line.Close()
	l.Line = nil
	if l.chip != nil {
		_ = l.chip.Close()
		l.chip = nil
	}
	return err
}

var devDir = "/dev"

func chipCandidates() []string {
	// Pi 5 kernels can expose the header on gpiochip4.
	out := []string{filepath.Join(devDir, "gpiochip0"), filepath.Join(devDir, "gpiochip4")}
	entries, _ := os.ReadDir(devDir)
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(devDir, name)
		if strings.HasPrefix(name, "gpiochip") && p != out[0] && p != out[1] {
			out = append(out, p)
		}
	}
	return out
}

// Request finds a line by name (e.g. "GPIO23") on any chip and requests it
// with the given options.
func Request(name, consumer string, opts ...gpiocdev.LineReqOption) (*Line, error) {
	if name == "" {
		return nil, fmt.Errorf("gpioline: empty line name")
	}
	opts = append(opts, gpiocdev.WithConsumer(consumer))
	for _, chipPath := range chipCandidates() {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &Line{chip: chip, Line: line}, nil
	}
	return nil, fmt.Errorf("gpioline: line %q not found (or busy)", name)
}
