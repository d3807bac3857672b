// Package sse implements the server-sent-events component (C11):
// text/event-stream framing over an already-open response, per spec.md §4.9.
package sse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreiot/emhttpd/internal/httpproto"
)

// Stream wraps a ResponseWriter already switched to streaming mode for
// text/event-stream output.
type Stream struct {
	rw *httpproto.ResponseWriter
}

// Open emits the fixed SSE response preamble (200, Content-Type,
// Cache-Control: no-cache, Connection: keep-alive) and leaves rw in
// chunked/streaming mode for subsequent Send/Comment calls.
func Open(rw *httpproto.ResponseWriter) (*Stream, error) {
	rw.SetStatus(200)
	rw.SetHeader("Content-Type", "text/event-stream")
	rw.SetHeader("Cache-Control", "no-cache")
	rw.SetHeader("Connection", "keep-alive")
	rw.UseChunked()

	if err := rw.WriteHeadersNow(); err != nil {
		return nil, err
	}

	return &Stream{rw: rw}, nil
}

// Send emits one SSE event. id and event may be empty to omit their lines.
// Each line of data becomes its own "data: " line, per spec.md §4.9.
func (s *Stream) Send(id, event, data string) error {
	var b strings.Builder

	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}

	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}

	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}

	b.WriteString("\n")

	_, err := s.rw.Write([]byte(b.String()))

	return err
}

// Comment emits a ": text" keepalive/comment line, ignored by EventSource
// clients but useful to keep intermediaries from timing out the connection.
func (s *Stream) Comment(text string) error {
	_, err := s.rw.Write([]byte(": " + text + "\n\n"))

	return err
}

// KeepAlive sends a comment ping every interval until ctx is done. It
// returns the first write error encountered, or nil if ctx was cancelled
// first (normal shutdown/client disconnect).
func (s *Stream) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Comment("keepalive"); err != nil {
				return err
			}
		}
	}
}

// Close finalizes the chunked stream (writes the terminating zero-length
// chunk).
func (s *Stream) Close() error {
	return s.rw.Finalize()
}
