// Package telemetry publishes periodic flight state to the log, an optional
// UDP ground station and any connected websocket clients.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/flight"
)

type Source interface {
	Snapshot() flight.Snapshot
}

type Sender interface {
	Send(payload []byte) error
}

type Publisher interface {
	Publish(msg []byte)
}

type Reporter struct {
	src      Source
	interval time.Duration
	log      logrus.FieldLogger
	udp      Sender
	hub      Publisher
}

// NewReporter builds a reporter. udp and hub may be nil.
func NewReporter(src Source, interval time.Duration, udp Sender, hub Publisher, log logrus.FieldLogger) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{src: src, interval: interval, log: log.WithField("component", "telemetry"), udp: udp, hub: hub}
}

// Report takes one snapshot and sends it everywhere. A failed UDP send is
// returned but the hub still receives the message.
func (r *Reporter) Report() error {
	s := r.src.Snapshot()
	r.log.WithFields(logrus.Fields{
		"mode":       s.Mode.String(),
		"height":     s.Measurements.Height.Value,
		"throttle":   s.Setpoints.Throttle,
		"elevator":   s.Setpoints.Elevator,
		"aileron":    s.Setpoints.Aileron,
		"rudder":     s.Setpoints.Rudder,
		"mask":       uint8(s.Mask),
		"gps_active": s.GPSActive,
		"fresh":      fmt.Sprintf("h=%t gps=%t att=%t", s.HeightFresh, s.GPSFresh, s.OrientationFresh),
	}).Info("status")

	msg, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("telemetry: encode: %w", err)
	}
	if r.hub != nil {
		r.hub.Publish(msg)
	}
	if r.udp != nil {
		if err := r.udp.Send(msg); err != nil {
			return fmt.Errorf("telemetry: udp send: %w", err)
		}
	}
	return nil
}

func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.Report(); err != nil {
				r.log.WithError(err).Debug("telemetry report failed")
			}
		}
	}
}
