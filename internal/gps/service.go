// Package gps reads position fixes from a GNSS receiver and fans each fix out
// to the altitude, latitude and longitude signals.
//
// Two sources are supported: NMEA GGA sentences straight off a serial
// receiver, and TPV reports from a local gpsd. Either way the source is
// reopened with backoff when it drops, and a missing receiver only makes the
// GPS signals go stale.
package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/serial"
	"rotorpilot/internal/signal"
)

type Config struct {
	// Source is "nmea" (default) or "gpsd".
	Source   string
	Device   string
	Baud     int
	GPSDAddr string
}

// Fix is one position report. Altitude is meters above mean sea level.
type Fix struct {
	Altitude   float64
	Latitude   float64
	Longitude  float64
	Satellites int
}

type Signals struct {
	Altitude  *signal.Signal
	Latitude  *signal.Signal
	Longitude *signal.Signal
}

type Status struct {
	Source    string    `json:"source"`
	Device    string    `json:"device,omitempty"`
	Fixes     int       `json:"fixes"`
	LastFix   time.Time `json:"last_fix,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

var (
	openSerial = func(path string, baud int) (io.ReadCloser, error) { return serial.Open(path, baud) }
	dialSource = func(ctx context.Context, addr string) (io.ReadCloser, error) { return dialGPSD(ctx, addr) }
)

type Service struct {
	cfg Config
	sig Signals
	log logrus.FieldLogger
	now func() time.Time

	mu     sync.Mutex
	status Status
}

func New(cfg Config, sig Signals, log logrus.FieldLogger) *Service {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = "nmea"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:    cfg,
		sig:    sig,
		log:    log.WithField("component", "gps"),
		now:    time.Now,
		status: Status{Source: cfg.Source, Device: cfg.Device},
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastError = err.Error()
}

// Publish stamps a fix with the current time and delivers it to the three
// signals, altitude first. An error from a listener is returned unchanged.
func (s *Service) Publish(fix Fix) error {
	at := s.now()
	s.mu.Lock()
	s.status.Fixes++
	s.status.LastFix = at
	s.mu.Unlock()

	for _, d := range []struct {
		sig *signal.Signal
		v   float64
	}{
		{s.sig.Altitude, fix.Altitude},
		{s.sig.Latitude, fix.Latitude},
		{s.sig.Longitude, fix.Longitude},
	} {
		if d.sig == nil {
			continue
		}
		if err := d.sig.Notify(d.v, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) open(ctx context.Context) (io.ReadCloser, error) {
	if s.cfg.Source == "gpsd" {
		return dialSource(ctx, s.cfg.GPSDAddr)
	}
	device := s.cfg.Device
	if device == "" {
		device = serial.Detect()
		if device == "" {
			return nil, fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	s.mu.Lock()
	s.status.Device = device
	s.mu.Unlock()
	return openSerial(device, s.cfg.Baud)
}

func (s *Service) parser() func(string) (Fix, bool, error) {
	if s.cfg.Source == "gpsd" {
		return parseGPSDLine
	}
	return parseNMEALine
}

// Run reads fixes until ctx is done. Source failures are retried with
// backoff; only a listener error (e.g. a lost actuator link) ends Run early.
func (s *Service) Run(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		rc, err := s.open(ctx)
		if err == nil {
			backoff = 250 * time.Millisecond
			s.log.WithFields(logrus.Fields{"source": s.cfg.Source, "device": s.Status().Device}).Info("gps source open")
			err = s.consume(ctx, rc)
			if ctx.Err() != nil {
				return nil
			}
			var fatal *listenerError
			if errors.As(err, &fatal) {
				return fatal.err
			}
		}
		s.setError(err)
		s.log.WithError(err).Warn("gps source unavailable")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

type listenerError struct{ err error }

func (e *listenerError) Error() string { return e.err.Error() }

func (s *Service) consume(ctx context.Context, rc io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		stop()
		_ = rc.Close()
	}()

	parse := s.parser()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fix, ok, err := parse(line)
		if err != nil {
			s.setError(err)
			s.log.WithError(err).Debug("gps: bad line")
			continue
		}
		if !ok {
			continue
		}
		if err := s.Publish(fix); err != nil {
			return &listenerError{err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("gps read stopped: %w", err)
	}
	return fmt.Errorf("gps read stopped: %w", io.EOF)
}
