package attitude

import (
	"context"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotorpilot/internal/gdl90"
	"rotorpilot/internal/signal"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDecode_JSON(t *testing.T) {
	r, err := Decode([]byte(`{"yaw":1.5,"pitch":-0.1,"roll":0.2}`))
	require.NoError(t, err)
	require.NotNil(t, r.Yaw)
	assert.Equal(t, 1.5, *r.Yaw)
	assert.Equal(t, -0.1, *r.Pitch)
	assert.Equal(t, 0.2, *r.Roll)
}

func TestDecode_JSONPartial(t *testing.T) {
	r, err := Decode([]byte(`{"yaw":0.5}`))
	require.NoError(t, err)
	assert.Nil(t, r.Pitch)
	assert.Nil(t, r.Roll)
}

func TestDecode_Rejects(t *testing.T) {
	for name, b := range map[string][]byte{
		"garbage": []byte("hello"),
		"empty":   []byte(`{}`),
		"gdl90":   gdl90.Frame([]byte{0xCC, 0x05}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.Error(t, err)
		})
	}
}

func TestDecode_GDL90(t *testing.T) {
	dgram := append(gdl90.Frame([]byte{0xCC, 0x05}),
		gdl90.AHRSReportFrame(gdl90.Attitude{RollDeg: 10, PitchDeg: -5, HeadingDeg: 270, HeadingValid: true})...)
	r, err := Decode(dgram)
	require.NoError(t, err)
	assert.InDelta(t, 10*math.Pi/180, *r.Roll, 1e-9)
	assert.InDelta(t, -5*math.Pi/180, *r.Pitch, 1e-9)
	// Heading 270 is yaw -pi/2.
	assert.InDelta(t, -math.Pi/2, *r.Yaw, 1e-9)
}

type sink struct {
	mu    sync.Mutex
	order []string
	at    []time.Time
}

func (s *sink) attach(name string, sig *signal.Signal) {
	sig.Register(signal.ListenerFunc(func(_ float64, at time.Time) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.order = append(s.order, name)
		s.at = append(s.at, at)
		return nil
	}))
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func newSignals(s *sink) Signals {
	sig := Signals{Pitch: signal.New("pitch"), Roll: signal.New("roll"), Yaw: signal.New("yaw")}
	s.attach("pitch", sig.Pitch)
	s.attach("roll", sig.Roll)
	s.attach("yaw", sig.Yaw)
	return sig
}

func TestDeliver_OrderAndTimestamp(t *testing.T) {
	var s sink
	l := New(":0", newSignals(&s), quietLog())
	at := time.Unix(100, 0)
	y, p, r := 1.0, 2.0, 3.0
	require.NoError(t, l.Deliver(Reading{Yaw: &y, Pitch: &p, Roll: &r}, at))
	assert.Equal(t, []string{"pitch", "roll", "yaw"}, s.order)
	assert.Equal(t, []time.Time{at, at, at}, s.at)
}

func TestRun_ReceivesDatagrams(t *testing.T) {
	addrCh := make(chan net.Addr, 1)
	prev := listenPacket
	listenPacket = func(ctx context.Context, _ string) (net.PacketConn, error) {
		conn, err := prev(ctx, "127.0.0.1:0")
		if err == nil {
			addrCh <- conn.LocalAddr()
		}
		return conn, err
	}
	t.Cleanup(func() { listenPacket = prev })

	var s sink
	var rec recorder
	l := New("ignored", newSignals(&s), quietLog())
	l.Record(&rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	addr := <-addrCh
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, _ = conn.Write([]byte("not json"))
		_, _ = conn.Write([]byte(`{"yaw":0.1,"pitch":0.2,"roll":0.3}`))
		return s.len() >= 3
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	// Undecodable datagrams are recorded too.
	assert.Contains(t, rec.payloads(), "not json")
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) Write(_ time.Time, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, string(p))
	return nil
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}
