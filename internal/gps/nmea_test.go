package gps

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

func TestParseNMEASentence_ChecksumOK(t *testing.T) {
	s, err := parseNMEASentence(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	require.NoError(t, err)
	assert.Equal(t, "RMC", s.Type)
}

func TestParseNMEASentence_Errors(t *testing.T) {
	good := nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	cases := map[string]string{
		"missing dollar":    good[1:],
		"missing checksum":  good[:len(good)-3],
		"checksum mismatch": good[:len(good)-2] + "00",
		"bad checksum":      good[:len(good)-2] + "ZZ",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseNMEASentence(line)
			assert.Error(t, err)
		})
	}
}

func TestParseNMEALine_GGA(t *testing.T) {
	fix, ok, err := parseNMEALine(nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-4)
	assert.InDelta(t, 11.516667, fix.Longitude, 1e-4)
	assert.InDelta(t, 545.4, fix.Altitude, 1e-9)
	assert.Equal(t, 8, fix.Satellites)
}

func TestParseNMEALine_SouthWest(t *testing.T) {
	fix, ok, err := parseNMEALine(nmeaLine("GPGGA,000000,3345.000,S,07030.000,W,2,05,1.2,10.0,M,0,M,,"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -33.75, fix.Latitude, 1e-9)
	assert.InDelta(t, -70.5, fix.Longitude, 1e-9)
}

func TestParseNMEALine_Ignored(t *testing.T) {
	for name, line := range map[string]string{
		"no fix":  nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,"),
		"rmc":     nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		"chatter": "u-blox ready",
		"no alt":  nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,,M,46.9,M,,"),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := parseNMEALine(line)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestParseNMEALatLon(t *testing.T) {
	v, ok := parseNMEALatLon("4807.038", "N")
	require.True(t, ok)
	assert.InDelta(t, 48.1173, v, 1e-4)

	_, ok = parseNMEALatLon("07", "N")
	assert.False(t, ok)
	_, ok = parseNMEALatLon("4807.038", "Q")
	assert.False(t, ok)
}
