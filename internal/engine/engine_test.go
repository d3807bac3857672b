package engine

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/emhttpd/internal/config"
	"github.com/coreiot/emhttpd/internal/fileserver"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/coreiot/emhttpd/internal/session"
)

func fileHandler(host *hostconfig.Host) HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, route hostconfig.Route, matchedPath string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		return fileserver.Serve(rw, req, host, route, matchedPath, fileserver.DefaultOptions())
	}
}

func TestServer_ServesPlainFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello world"), 0o644))

	opts := config.Default()
	opts.Documents = dir

	host := hostconfig.New(opts)
	host.AddRoute(hostconfig.Route{Path: "/", PrefixMatch: true, Handler: hostconfig.HandlerFile, Auth: hostconfig.AuthNone})
	require.NoError(t, host.ResolveRoles())

	srv := NewServer(host, zerolog.Nop())
	srv.Handlers[hostconfig.HandlerFile] = fileHandler(host)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)

	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")

	for {
		line, lerr := br.ReadString('\n')
		if line == "\r\n" || lerr != nil {
			break
		}
	}

	buf := make([]byte, 256)

	n, _ := br.Read(buf)
	body := buf[:n]

	require.Contains(t, string(body), "hello world")
}

func TestServer_NotFoundForMissingRoute(t *testing.T) {
	dir := t.TempDir()

	opts := config.Default()
	opts.Documents = dir

	host := hostconfig.New(opts)
	require.NoError(t, host.ResolveRoles())

	srv := NewServer(host, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write([]byte("GET /nope HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)

	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "404")
}
