package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type nmeaSentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GPGGA, GNGGA, ... all normalize to GGA.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// parseNMEALine returns the fix carried by a GGA sentence. Other sentence
// types and GGA without a fix report ok=false.
func parseNMEALine(line string) (Fix, bool, error) {
	if !strings.HasPrefix(strings.TrimSpace(line), "$") {
		return Fix{}, false, nil
	}
	sent, err := parseNMEASentence(line)
	if err != nil {
		return Fix{}, false, err
	}
	if sent.Type != "GGA" {
		return Fix{}, false, nil
	}
	fix, ok := parseGGA(sent.Fields)
	return fix, ok, nil
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters MSL)
//
// 10: units (M)
func parseGGA(f []string) (Fix, bool) {
	if len(f) < 11 {
		return Fix{}, false
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" {
		return Fix{}, false
	}
	lat, latOK := parseNMEALatLon(f[2], f[3])
	lon, lonOK := parseNMEALatLon(f[4], f[5])
	alt, altOK := parseFloat(f[9])
	if !latOK || !lonOK || !altOK {
		return Fix{}, false
	}
	fix := Fix{Altitude: alt, Latitude: lat, Longitude: lon}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		fix.Satellites = sats
	}
	return fix, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (latitude) or dddmm.mmmm (longitude)
// plus hemisphere into signed decimal degrees.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
