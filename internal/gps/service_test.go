package gps

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotorpilot/internal/signal"
)

type received struct {
	mu  sync.Mutex
	got []string
	at  []time.Time
}

func (r *received) listen(name string, s *signal.Signal) {
	s.Register(signal.ListenerFunc(func(v float64, at time.Time) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, name)
		r.at = append(r.at, at)
		return nil
	}))
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSignals(r *received) Signals {
	s := Signals{Altitude: signal.New("gps_altitude"), Latitude: signal.New("gps_latitude"), Longitude: signal.New("gps_longitude")}
	r.listen("alt", s.Altitude)
	r.listen("lat", s.Latitude)
	r.listen("lon", s.Longitude)
	return s
}

func TestPublish_FansOutWithOneTimestamp(t *testing.T) {
	var r received
	sig := newSignals(&r)
	svc := New(Config{}, sig, quietLog())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return at }

	require.NoError(t, svc.Publish(Fix{Altitude: 12, Latitude: 1, Longitude: 2}))

	assert.Equal(t, []string{"alt", "lat", "lon"}, r.got)
	assert.Equal(t, []time.Time{at, at, at}, r.at)
	assert.Equal(t, 12.0, sig.Altitude.Last().Value)
	assert.Equal(t, 1, svc.Status().Fixes)
}

func TestPublish_ListenerError(t *testing.T) {
	sig := Signals{Altitude: signal.New("gps_altitude")}
	boom := errors.New("boom")
	sig.Altitude.Register(signal.ListenerFunc(func(float64, time.Time) error { return boom }))
	svc := New(Config{}, sig, quietLog())
	require.ErrorIs(t, svc.Publish(Fix{}), boom)
}

func withSource(t *testing.T, open func() (io.ReadCloser, error)) {
	t.Helper()
	prevSerial, prevDial := openSerial, dialSource
	openSerial = func(string, int) (io.ReadCloser, error) { return open() }
	dialSource = func(context.Context, string) (io.ReadCloser, error) { return open() }
	t.Cleanup(func() {
		openSerial = prevSerial
		dialSource = prevDial
	})
}

func TestRun_NMEAStream(t *testing.T) {
	body := strings.Join([]string{
		nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
		"garbage",
		nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
	}, "\r\n")
	pr, pw := io.Pipe()
	withSource(t, func() (io.ReadCloser, error) { return pr, nil })

	var r received
	svc := New(Config{Device: "/dev/ttyFAKE"}, newSignals(&r), quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	_, err := pw.Write([]byte(body + "\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "/dev/ttyFAKE", svc.Status().Device)
}

func TestRun_GPSDStream(t *testing.T) {
	withSource(t, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(`{"class":"VERSION"}` + "\n" + `{"class":"TPV","mode":3,"lat":1,"lon":2,"alt":3}` + "\n")), nil
	})
	var r received
	svc := New(Config{Source: "GPSD"}, newSignals(&r), quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "gpsd", svc.Status().Source)
}

func TestRun_ListenerErrorStops(t *testing.T) {
	withSource(t, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,") + "\n")), nil
	})
	boom := errors.New("link lost")
	sig := Signals{Altitude: signal.New("gps_altitude")}
	sig.Altitude.Register(signal.ListenerFunc(func(float64, time.Time) error { return boom }))
	svc := New(Config{Device: "/dev/ttyFAKE"}, sig, quietLog())

	err := svc.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRun_OpenFailureRetriesUntilCancel(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	withSource(t, func() (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, errors.New("no such device")
	})
	svc := New(Config{Device: "/dev/ttyFAKE"}, Signals{}, quietLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().LastError == "no such device" }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	assert.GreaterOrEqual(t, attempts, 1)
	mu.Unlock()
}
