// Package transport implements the listener/connection component (C2): it
// owns the raw net.Listener and net.Conn plumbing (TLS or plaintext) so the
// engine never touches crypto/tls or net directly. Grounded on the
// teacher's internal/ldap connection-handling style, adapted from pooled
// outbound LDAP connections to admitted inbound HTTP ones.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrUnsupportedScheme is returned by ParseURL for anything but "tcp://" or
// "tls://" (spec.md §3's listen URL list).
var ErrUnsupportedScheme = errors.New("transport: unsupported listen scheme")

// ListenSpec is one parsed entry from config.Options.Listen.
type ListenSpec struct {
	TLS     bool
	Address string // host:port
}

// ParseURL parses one "host:port" or "tls://host:port" listen entry.
// A bare "host:port" with no scheme is treated as plaintext.
func ParseURL(raw string) (ListenSpec, error) {
	if rest, ok := strings.CutPrefix(raw, "tls://"); ok {
		return ListenSpec{TLS: true, Address: rest}, nil
	}

	if rest, ok := strings.CutPrefix(raw, "tcp://"); ok {
		return ListenSpec{TLS: false, Address: rest}, nil
	}

	if strings.Contains(raw, "://") {
		return ListenSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, raw)
	}

	return ListenSpec{TLS: false, Address: raw}, nil
}

// Listen opens a net.Listener for spec, wrapping it in tls.NewListener when
// spec.TLS is set. cfg may be nil for plaintext listeners.
func Listen(spec ListenSpec, cfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", spec.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", spec.Address, err)
	}

	if spec.TLS {
		if cfg == nil {
			_ = ln.Close()

			return nil, errors.New("transport: tls listener requested but no TLS config provided")
		}

		return tls.NewListener(ln, cfg), nil
	}

	return ln, nil
}

// CloseAbruptly sets SO_LINGER(0) when conn is a *net.TCPConn, forcing an
// immediate RST on Close instead of a graceful FIN/ACK teardown. Used when a
// connection must be dropped immediately — an over-limit accept, or a fatal
// framing error after headers were never sent (spec.md §4.2/§7).
func CloseAbruptly(conn net.Conn) error {
	if tc, ok := underlyingTCPConn(conn); ok {
		_ = tc.SetLinger(0)
	}

	return conn.Close()
}

func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	switch c := conn.(type) {
	case *net.TCPConn:
		return c, true
	case *tls.Conn:
		tc, ok := c.NetConn().(*net.TCPConn)

		return tc, ok
	default:
		return nil, false
	}
}

// SetDeadlines applies the parse/inactivity timeout to conn ahead of
// reading the next request line, per spec.md §6.
func SetDeadlines(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.SetDeadline(time.Time{})
	}

	return conn.SetDeadline(time.Now().Add(timeout))
}
