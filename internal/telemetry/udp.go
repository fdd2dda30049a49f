package telemetry

import (
	"fmt"
	"net"
	"time"
)

// UDPSender sends each telemetry message as one datagram to a fixed
// destination, typically a ground station on the same radio link.
type UDPSender struct {
	dest string
	conn *net.UDPConn
}

func NewUDPSender(dest string) (*UDPSender, error) {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resolve %s: %w", dest, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: dial %s: %w", dest, err)
	}
	return &UDPSender{dest: dest, conn: conn}, nil
}

func (s *UDPSender) Dest() string { return s.dest }

func (s *UDPSender) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(250 * time.Millisecond))
	_, err := s.conn.Write(payload)
	return err
}

func (s *UDPSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
