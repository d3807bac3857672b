package httpproto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// WriteMode selects how ResponseWriter delivers the body (spec.md §4.3).
type WriteMode int

const (
	// ModeBuffered accumulates the body and emits Content-Length on Finalize.
	ModeBuffered WriteMode = iota
	// ModeChunked emits Transfer-Encoding: chunked, one chunk per Write call.
	ModeChunked
	// ModeRaw hands writes straight to the underlying connection with no
	// framing of its own — used by SSE and WebSocket once the response
	// headers (or the 101 handshake) have been sent.
	ModeRaw
)

// ResponseWriter serializes an HTTP/1.x response. Exactly one of
// {Content-Length, Transfer-Encoding: chunked, connection-close} ends up set
// on any non-error response ≥200 except 204/304, per spec.md §3's framing
// invariant — callers choose the mode; ResponseWriter enforces the
// resulting header is consistent with it.
type ResponseWriter struct {
	bw      *bufio.Writer
	version string

	Status int
	Header Header

	mode        WriteMode
	bodyBuf     bytes.Buffer
	headersSent bool
	closeConn   bool // Connection: close will be emitted
	bytesOut    int64
}

// NewResponseWriter wraps w (typically a *bufio.Writer over a net.Conn) for
// a response to a request of the given HTTP version.
func NewResponseWriter(w *bufio.Writer, version string) *ResponseWriter {
	return &ResponseWriter{
		bw:      w,
		version: version,
		Status:  200,
		mode:    ModeBuffered,
	}
}

// SetStatus sets the response status code. Must be called before Finalize
// or WriteHeadersNow.
func (rw *ResponseWriter) SetStatus(code int) { rw.Status = code }

// SetHeader replaces all values of name.
func (rw *ResponseWriter) SetHeader(name, value string) { rw.Header.Set(name, value) }

// AddHeader appends an additional value for name (e.g. Set-Cookie).
func (rw *ResponseWriter) AddHeader(name, value string) { rw.Header.Add(name, value) }

// SetCloseConnection forces "Connection: close" regardless of the
// request's keep-alive preference (used after a parse failure, or when the
// keep-alive counter is exhausted — spec.md §4.3).
func (rw *ResponseWriter) SetCloseConnection(v bool) { rw.closeConn = v }

// UseChunked switches the writer to chunked mode. Must be called before any
// Write and before Finalize/WriteHeadersNow.
func (rw *ResponseWriter) UseChunked() { rw.mode = ModeChunked }

// UseRaw switches the writer to raw passthrough mode, used once SSE/WS
// framing takes over the connection.
func (rw *ResponseWriter) UseRaw() { rw.mode = ModeRaw }

// Mode reports the current write mode.
func (rw *ResponseWriter) Mode() WriteMode { return rw.mode }

// Flush pushes any buffered raw-mode writes out to the connection
// immediately, without waiting for Finalize. WebSocket frame writes use this
// after each outgoing frame so a peer sees it without delay.
func (rw *ResponseWriter) Flush() error { return rw.bw.Flush() }

// BytesWritten reports how many body bytes have been written so far
// (spec.md §3 Request/Response "already-written bytes").
func (rw *ResponseWriter) BytesWritten() int64 { return rw.bytesOut }

// HeadersSent reports whether the status line and headers have already
// been flushed to the connection — once true, a mid-stream fault must not
// attempt to emit a different status (spec.md §4.12).
func (rw *ResponseWriter) HeadersSent() bool { return rw.headersSent }

// Write appends to the buffered body (ModeBuffered), emits one chunk
// (ModeChunked, flushing headers first if needed), or writes straight
// through (ModeRaw).
func (rw *ResponseWriter) Write(p []byte) (int, error) {
	switch rw.mode {
	case ModeBuffered:
		return rw.bodyBuf.Write(p)
	case ModeChunked:
		if !rw.headersSent {
			if err := rw.WriteHeadersNow(); err != nil {
				return 0, err
			}
		}

		if err := writeChunk(rw.bw, p); err != nil {
			return 0, err
		}

		rw.bytesOut += int64(len(p))

		return len(p), nil
	default: // ModeRaw
		n, err := rw.bw.Write(p)
		rw.bytesOut += int64(n)

		return n, err
	}
}

// WriteHeadersNow flushes the status line and headers immediately, for
// streaming modes (chunked, SSE, WebSocket upgrade) that must send headers
// before the first body byte is known. It is a no-op if headers were
// already sent.
func (rw *ResponseWriter) WriteHeadersNow() error {
	if rw.headersSent {
		return nil
	}

	if rw.mode == ModeChunked {
		rw.Header.Set("Transfer-Encoding", "chunked")
		rw.Header.Del("Content-Length")
	}

	if rw.closeConn {
		rw.Header.Set("Connection", "close")
	} else if rw.version == "HTTP/1.0" {
		rw.Header.Set("Connection", "keep-alive")
	}

	if err := writeStatusLine(rw.bw, rw.version, rw.Status); err != nil {
		return err
	}

	var headerErr error

	rw.Header.Each(func(name, value string) {
		if headerErr != nil {
			return
		}

		headerErr = writeHeaderLine(rw.bw, name, value)
	})

	if headerErr != nil {
		return headerErr
	}

	if _, err := rw.bw.WriteString("\r\n"); err != nil {
		return err
	}

	rw.headersSent = true

	return rw.bw.Flush()
}

// Finalize completes the response. In ModeBuffered it computes
// Content-Length from the accumulated body and writes status line, headers,
// and body in one shot. In ModeChunked it writes the terminating zero-length
// chunk. In ModeRaw it is a no-op beyond flushing.
func (rw *ResponseWriter) Finalize() error {
	switch rw.mode {
	case ModeBuffered:
		if !statusHasNoBody(rw.Status) {
			rw.Header.Set("Content-Length", strconv.Itoa(rw.bodyBuf.Len()))
		} else {
			rw.Header.Del("Content-Length")
		}

		if err := rw.WriteHeadersNow(); err != nil {
			return err
		}

		if !statusHasNoBody(rw.Status) {
			if _, err := rw.bw.Write(rw.bodyBuf.Bytes()); err != nil {
				return err
			}

			rw.bytesOut += int64(rw.bodyBuf.Len())
		}

		return rw.bw.Flush()
	case ModeChunked:
		if !rw.headersSent {
			if err := rw.WriteHeadersNow(); err != nil {
				return err
			}
		}

		if _, err := rw.bw.WriteString("0\r\n\r\n"); err != nil {
			return err
		}

		return rw.bw.Flush()
	default:
		return rw.bw.Flush()
	}
}

func statusHasNoBody(status int) bool {
	return status == 204 || status == 304 || (status >= 100 && status < 200)
}

func writeStatusLine(w io.Writer, version string, status int) error {
	_, err := fmt.Fprintf(w, "%s %d %s\r\n", version, status, httperr.Reason(status))

	return err
}

func writeHeaderLine(w io.Writer, name, value string) error {
	if containsCROrLF(name) || containsCROrLF(value) {
		return fmt.Errorf("httpproto: refusing to write header with CR/LF: %q", name)
	}

	_, err := fmt.Fprintf(w, "%s: %s\r\n", name, value)

	return err
}

func writeChunk(w *bufio.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(w, "%x\r\n", len(p)); err != nil {
		return err
	}

	if _, err := w.Write(p); err != nil {
		return err
	}

	_, err := w.WriteString("\r\n")

	return err
}
