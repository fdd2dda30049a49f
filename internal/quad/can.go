package quad

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// DefaultCANBaseID is the frame ID of servo channel 0 on a CAN servo bridge.
const DefaultCANBaseID = 0x200

// FrameWriter sends one CAN frame.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

type socketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func (w *socketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *socketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

var dialCAN = func(ctx context.Context, iface string) (FrameWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("quad: socketcan dial %s: %w", iface, err)
	}
	return &socketCANWriter{conn: conn, tx: socketcan.NewTransmitter(conn)}, nil
}

// CANServos emits pulse widths as CAN frames: channel N is sent with ID
// BaseID+N and a two-byte little-endian width in microseconds.
type CANServos struct {
	w       FrameWriter
	baseID  uint32
	timeout time.Duration
}

func DialCANServos(ctx context.Context, iface string, baseID uint32) (*CANServos, error) {
	w, err := dialCAN(ctx, iface)
	if err != nil {
		return nil, err
	}
	return NewCANServos(w, baseID), nil
}

func NewCANServos(w FrameWriter, baseID uint32) *CANServos {
	if baseID == 0 {
		baseID = DefaultCANBaseID
	}
	return &CANServos{w: w, baseID: baseID, timeout: 50 * time.Millisecond}
}

func (c *CANServos) SetPulseWidth(ch int, us int) error {
	if us < 0 || us > 0xffff {
		return fmt.Errorf("quad: pulse width %d out of range", us)
	}
	f := can.Frame{ID: c.baseID + uint32(ch), Length: 2}
	binary.LittleEndian.PutUint16(f.Data[:2], uint16(us))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.w.WriteFrame(ctx, f)
}

func (c *CANServos) Close() error { return c.w.Close() }
