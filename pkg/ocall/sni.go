package ocall

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// TLSServerConfig carries the PEM cert/key pair for one server name of a
// TLS listener.
type TLSServerConfig struct {
	ServerName string `cbor:"1,keyasint" json:"server_name"`
	Cert       string `cbor:"2,keyasint" json:"cert"`
	Key        string `cbor:"3,keyasint" json:"key"`
}

// sniShared is the socket and certificate table behind one or more
// listener handles bound to the same address. The certificate for a
// connection is selected by SNI at handshake time, so a rebind that
// replaces a server name takes effect for the next accepted connection.
type sniShared struct {
	ln   net.Listener
	addr string

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	refs  int
}

func newSNIShared(addr string) (*sniShared, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return &sniShared{
		ln:    ln,
		addr:  addr,
		certs: make(map[string]*tls.Certificate),
	}, nil
}

// setCert installs or replaces the certificate for a server name
func (s *sniShared) setCert(cfg *TLSServerConfig) error {
	cert, err := tls.X509KeyPair([]byte(cfg.Cert), []byte(cfg.Key))
	if err != nil {
		return fmt.Errorf("invalid cert/key pair: %w", err)
	}
	s.mu.Lock()
	s.certs[cfg.ServerName] = &cert
	s.mu.Unlock()
	return nil
}

func (s *sniShared) getCert(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cert, ok := s.certs[hello.ServerName]; ok {
		return cert, nil
	}
	// Fall back to any installed certificate for clients without SNI
	for _, cert := range s.certs {
		return cert, nil
	}
	return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
}

func (s *sniShared) tlsConfig() *tls.Config {
	return &tls.Config{GetCertificate: s.getCert}
}

// TLSListener is one handle onto a shared SNI listener
type TLSListener struct {
	shared  *sniShared
	onClose func(*sniShared)
}

// Accept takes the next raw connection and completes the TLS handshake
func (l *TLSListener) Accept() (net.Conn, error) {
	raw, err := l.shared.ln.Accept()
	if err != nil {
		return nil, err
	}
	conn := tls.Server(raw, l.shared.tlsConfig())
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// Close releases this handle; the socket closes when the last handle on
// the address is gone.
func (l *TLSListener) Close() error {
	if l.onClose != nil {
		l.onClose(l.shared)
		l.onClose = nil
	}
	return nil
}

// TCPListener is a plain TCP listener resource
type TCPListener struct {
	ln net.Listener
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}
