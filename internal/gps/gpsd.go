package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// scaled=true yields meters and degrees.
	if _, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gpsd watch: %w", err)
	}
	return conn, nil
}

type gpsdTPV struct {
	Class string   `json:"class"`
	Mode  *int     `json:"mode"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`

	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
}

// parseGPSDLine returns the fix carried by a TPV report with at least a 3D
// fix. Other report classes are ignored.
func parseGPSDLine(line string) (Fix, bool, error) {
	var tpv gpsdTPV
	if err := json.Unmarshal([]byte(line), &tpv); err != nil {
		return Fix{}, false, fmt.Errorf("gpsd json parse failed: %v", err)
	}
	if !strings.EqualFold(strings.TrimSpace(tpv.Class), "TPV") {
		return Fix{}, false, nil
	}
	if tpv.Mode == nil || *tpv.Mode < 3 || tpv.Lat == nil || tpv.Lon == nil {
		return Fix{}, false, nil
	}
	alt := tpv.AltMSL
	if alt == nil {
		alt = tpv.Alt
	}
	if alt == nil {
		return Fix{}, false, nil
	}
	return Fix{Altitude: *alt, Latitude: *tpv.Lat, Longitude: *tpv.Lon}, true, nil
}
