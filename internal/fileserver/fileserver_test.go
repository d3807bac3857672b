package fileserver

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/coreiot/emhttpd/internal/config"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(method, path string, headers map[string]string) *httpproto.Request {
	var h httpproto.Header
	for k, v := range headers {
		h.Set(k, v)
	}

	return &httpproto.Request{Method: method, Path: path, Version: "HTTP/1.1", Header: h}
}

func newTestRW() (*httpproto.ResponseWriter, *bytes.Buffer) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	return httpproto.NewResponseWriter(bw, "HTTP/1.1"), &buf
}

func newTestHost(t *testing.T, docRoot string) *hostconfig.Host {
	t.Helper()

	opts := config.Default()
	opts.Documents = docRoot

	return hostconfig.New(opts)
}

func TestServe_PlainFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/hello.txt", nil)
	rw, buf := newTestRW()

	require.NoError(t, Serve(rw, req, host, route, "/hello.txt", DefaultOptions()))

	out := buf.String()
	assert.Contains(t, out, "200 OK")
	assert.Contains(t, out, "hello world")
}

func TestServe_DirectoryRedirect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/sub", nil)
	rw, buf := newTestRW()

	require.NoError(t, Serve(rw, req, host, route, "/sub", DefaultOptions()))

	out := buf.String()
	assert.Contains(t, out, "301")
	assert.Contains(t, out, "Location: /sub/")
}

func TestServe_IndexResolution(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "index.html"), []byte("<h1>hi</h1>"), 0o644))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/sub/", nil)
	rw, buf := newTestRW()

	require.NoError(t, Serve(rw, req, host, route, "/sub/", DefaultOptions()))
	assert.Contains(t, buf.String(), "<h1>hi</h1>")
}

func TestServe_DotfileForbidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/.env", nil)
	rw, buf := newTestRW()

	err := Serve(rw, req, host, route, "/.env", DefaultOptions())
	require.Error(t, err)
	assert.NotContains(t, buf.String(), "SECRET")
}

func TestServe_ConditionalNotModified(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}

	rw1, _ := newTestRW()
	require.NoError(t, Serve(rw1, newTestRequest("GET", "/hello.txt", nil), host, route, "/hello.txt", DefaultOptions()))
	etag := rw1.Header.Get("ETag")

	rw2, buf2 := newTestRW()
	req2 := newTestRequest("GET", "/hello.txt", map[string]string{"If-None-Match": etag})
	require.NoError(t, Serve(rw2, req2, host, route, "/hello.txt", DefaultOptions()))
	assert.Contains(t, buf2.String(), "304")
}

func TestServe_RangeRequest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("0123456789"), 0o644))

	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/hello.txt", map[string]string{"Range": "bytes=2-5"})
	rw, buf := newTestRW()

	require.NoError(t, Serve(rw, req, host, route, "/hello.txt", DefaultOptions()))

	out := buf.String()
	assert.Contains(t, out, "206")
	assert.Contains(t, out, "Content-Range: bytes 2-5/10")
	assert.Contains(t, out, "2345")
}

func TestServe_NotFound(t *testing.T) {
	dir := t.TempDir()
	host := newTestHost(t, dir)
	route := hostconfig.Route{Path: "/", PrefixMatch: true}
	req := newTestRequest("GET", "/nope.txt", nil)
	rw, _ := newTestRW()

	err := Serve(rw, req, host, route, "/nope.txt", DefaultOptions())
	require.Error(t, err)
}
