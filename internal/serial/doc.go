// Package serial opens tty devices for line-oriented links (GPS receivers,
// the ground station command radio).
package serial

import (
	"fmt"
	"os"
)

// Detect returns the first USB serial device present, or "".
func Detect() string {
	var candidates []string
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
