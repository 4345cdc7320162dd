package ocall

import (
	"errors"
	"io"
	"net"

	"github.com/cuemby/wapod/pkg/meter"
)

// Stream is a byte stream resource. Every byte crossing the boundary is
// charged to the instance meter as it crosses.
type Stream struct {
	conn  net.Conn
	meter *meter.Meter
}

// NewStream wraps a connection into a metered stream resource
func NewStream(conn net.Conn, m *meter.Meter) *Stream {
	return &Stream{conn: conn, meter: m}
}

// Read reads up to len(buf) bytes. Returns 0 on clean EOF.
func (s *Stream) Read(buf []byte) (int, Errno) {
	n, err := s.conn.Read(buf)
	if n > 0 {
		s.meter.RecordNetIngress(uint64(n))
	}
	if err != nil {
		if n > 0 {
			// Deliver the bytes; the error resurfaces on the next read
			return n, ErrnoOK
		}
		if errors.Is(err, io.EOF) {
			// Clean EOF reads as zero bytes; a reset maps to Closed
			return 0, ErrnoOK
		}
		return 0, translateError(err)
	}
	return n, ErrnoOK
}

// Write writes buf and charges egress for the bytes actually sent
func (s *Stream) Write(buf []byte) (int, Errno) {
	n, err := s.conn.Write(buf)
	if n > 0 {
		s.meter.RecordNetEgress(uint64(n))
	}
	if err != nil {
		return n, translateError(err)
	}
	return n, ErrnoOK
}

// Shutdown closes the write half where the transport supports it,
// otherwise closes the connection.
func (s *Stream) Shutdown() Errno {
	s.meter.RecordTCPShutdown()
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			return translateError(err)
		}
		return ErrnoOK
	}
	if err := s.conn.Close(); err != nil {
		return translateError(err)
	}
	return ErrnoOK
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

// PeerInfo describes the remote end of an accepted connection
type PeerInfo struct {
	Address string `cbor:"1,keyasint" json:"address"`
	Port    uint16 `cbor:"2,keyasint" json:"port"`
}

func peerInfoFor(conn net.Conn) PeerInfo {
	info := PeerInfo{}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		info.Address = addr.IP.String()
		info.Port = uint16(addr.Port)
	} else if conn.RemoteAddr() != nil {
		info.Address = conn.RemoteAddr().String()
	}
	return info
}
