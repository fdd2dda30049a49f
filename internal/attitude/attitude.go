// Package attitude receives yaw, pitch and roll from an external fusion
// source over UDP and delivers them to the orientation signals.
//
// Two datagram formats are accepted: JSON objects {"yaw":..,"pitch":..,
// "roll":..} in radians, and GDL90 AHRS reports as broadcast by Stratux-style
// AHRS units. Each datagram is stamped with its arrival time.
package attitude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/gdl90"
	"rotorpilot/internal/pid"
	"rotorpilot/internal/signal"
)

type Signals struct {
	Pitch *signal.Signal
	Roll  *signal.Signal
	Yaw   *signal.Signal
}

// Reading is one attitude sample in radians. Nil fields were not reported.
type Reading struct {
	Yaw   *float64 `json:"yaw"`
	Pitch *float64 `json:"pitch"`
	Roll  *float64 `json:"roll"`
}

// Recorder receives every datagram as it arrived, before decoding.
type Recorder interface {
	Write(at time.Time, payload []byte) error
}

type Listener struct {
	addr string
	sig  Signals
	log  logrus.FieldLogger
	now  func() time.Time
	rec  Recorder
}

func New(addr string, sig Signals, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Listener{addr: addr, sig: sig, log: log.WithField("component", "attitude"), now: time.Now}
}

// Record makes Run hand raw datagrams to r. Recording failures are logged
// and never stop the listener.
func (l *Listener) Record(r Recorder) { l.rec = r }

// Decode parses one datagram.
func Decode(b []byte) (Reading, error) {
	if len(b) > 0 && b[0] == 0x7E {
		return decodeGDL90(b)
	}
	var r Reading
	if err := json.Unmarshal(b, &r); err != nil {
		return Reading{}, fmt.Errorf("attitude: %w", err)
	}
	if r.Yaw == nil && r.Pitch == nil && r.Roll == nil {
		return Reading{}, fmt.Errorf("attitude: empty reading")
	}
	return r, nil
}

func decodeGDL90(b []byte) (Reading, error) {
	var last error = fmt.Errorf("attitude: no GDL90 frame")
	for _, f := range gdl90.Split(b) {
		msg, ok, err := gdl90.Unframe(f)
		if err != nil {
			last = err
			continue
		}
		if !ok {
			last = fmt.Errorf("attitude: GDL90 CRC mismatch")
			continue
		}
		a, err := gdl90.ParseAHRS(msg)
		if err != nil {
			if !errors.Is(err, gdl90.ErrNotAHRS) {
				last = err
			}
			continue
		}
		roll := a.RollDeg * math.Pi / 180
		pitch := a.PitchDeg * math.Pi / 180
		r := Reading{Roll: &roll, Pitch: &pitch}
		if a.HeadingValid {
			yaw := pid.NormalizeAngle(a.HeadingDeg * math.Pi / 180)
			r.Yaw = &yaw
		}
		return r, nil
	}
	return Reading{}, last
}

// Deliver notifies the signals present in r, pitch then roll then yaw, all
// with the same time.
func (l *Listener) Deliver(r Reading, at time.Time) error {
	for _, d := range []struct {
		sig *signal.Signal
		v   *float64
	}{{l.sig.Pitch, r.Pitch}, {l.sig.Roll, r.Roll}, {l.sig.Yaw, r.Yaw}} {
		if d.sig == nil || d.v == nil {
			continue
		}
		if err := d.sig.Notify(*d.v, at); err != nil {
			return err
		}
	}
	return nil
}

var listenPacket = func(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", addr)
}

// Run receives datagrams until ctx is done. Undecodable datagrams are
// dropped; a listener error ends Run.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := listenPacket(ctx, l.addr)
	if err != nil {
		return fmt.Errorf("attitude: listen %s: %w", l.addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()
	l.log.WithField("addr", conn.LocalAddr().String()).Info("attitude listener up")

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("attitude: read: %w", err)
		}
		at := l.now()
		if l.rec != nil {
			if err := l.rec.Write(at, buf[:n]); err != nil {
				l.log.WithError(err).Warn("attitude recording failed")
			}
		}
		r, err := Decode(buf[:n])
		if err != nil {
			l.log.WithError(err).Debug("attitude datagram dropped")
			continue
		}
		if err := l.Deliver(r, at); err != nil {
			return err
		}
	}
}
