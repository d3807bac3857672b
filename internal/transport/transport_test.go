package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL_PlainAddress(t *testing.T) {
	spec, err := ParseURL("0.0.0.0:8080")
	require.NoError(t, err)
	assert.False(t, spec.TLS)
	assert.Equal(t, "0.0.0.0:8080", spec.Address)
}

func TestParseURL_TCPScheme(t *testing.T) {
	spec, err := ParseURL("tcp://0.0.0.0:8080")
	require.NoError(t, err)
	assert.False(t, spec.TLS)
	assert.Equal(t, "0.0.0.0:8080", spec.Address)
}

func TestParseURL_TLSScheme(t *testing.T) {
	spec, err := ParseURL("tls://0.0.0.0:8443")
	require.NoError(t, err)
	assert.True(t, spec.TLS)
	assert.Equal(t, "0.0.0.0:8443", spec.Address)
}

func TestParseURL_UnsupportedScheme(t *testing.T) {
	_, err := ParseURL("udp://0.0.0.0:53")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestListen_PlaintextAcceptsConnections(t *testing.T) {
	ln, err := Listen(ListenSpec{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	go func() {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
}

func TestListen_TLSWithoutConfigErrors(t *testing.T) {
	_, err := Listen(ListenSpec{TLS: true, Address: "127.0.0.1:0"}, nil)
	require.Error(t, err)
}

func TestSetDeadlines_ZeroClearsDeadline(t *testing.T) {
	ln, err := Listen(ListenSpec{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	done := make(chan struct{})

	go func() {
		conn, dialErr := net.Dial("tcp", addr)
		if dialErr == nil {
			defer conn.Close()
		}
		close(done)
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, SetDeadlines(conn, 0))
	require.NoError(t, SetDeadlines(conn, 50*time.Millisecond))

	<-done
}
