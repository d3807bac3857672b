package httpproto

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// NewBodyReader returns an io.Reader over the request body, following the
// framing already determined by DetermineFraming (spec.md §4.3). Reading
// past the declared length/chunked terminator returns io.EOF; reading a
// malformed chunk returns a *httperr.Error with KindMalformedRequest.
func NewBodyReader(r *bufio.Reader, framing BodyFraming, contentLen int64) io.Reader {
	switch framing {
	case BodyContentLength:
		return io.LimitReader(r, contentLen)
	case BodyChunked:
		return &chunkedReader{r: r}
	default:
		return io.LimitReader(r, 0)
	}
}

// chunkedReader implements RFC 7230 §4.1 chunked transfer decoding:
// "hex CRLF bytes CRLF … 0 CRLF trailers CRLF". A malformed chunk size or
// a size that overflows is reported as KindMalformedRequest and halts the
// stream; a well-formed terminal chunk drains trailers and returns io.EOF
// from then on.
type chunkedReader struct {
	r         *bufio.Reader
	remaining int64 // bytes left in the current chunk
	done      bool
	err       error
}

const maxChunkSize = 1 << 24 // 16 MiB, generous for an embedded device but bounded

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}

	if c.done {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		if err := c.nextChunkHeader(); err != nil {
			c.err = err

			return 0, err
		}

		if c.done {
			return 0, io.EOF
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.r.Read(p)
	c.remaining -= int64(n)

	if err != nil && err != io.EOF {
		c.err = err

		return n, err
	}

	if c.remaining == 0 {
		if derr := c.consumeChunkCRLF(); derr != nil {
			c.err = derr

			return n, derr
		}
	}

	return n, nil
}

func (c *chunkedReader) nextChunkHeader() error {
	line, err := readCRLFLine(c.r, 4096)
	if err != nil {
		return httperr.New(httperr.KindMalformedRequest, "malformed chunk size")
	}

	// strip chunk extensions (";name=value"), which this server does not interpret.
	sizeStr, _, _ := strings.Cut(line, ";")

	size, err := strconv.ParseUint(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size > maxChunkSize {
		return httperr.New(httperr.KindMalformedRequest, "malformed or oversized chunk size")
	}

	if size == 0 {
		c.done = true

		return c.consumeTrailers()
	}

	c.remaining = int64(size)

	return nil
}

func (c *chunkedReader) consumeChunkCRLF() error {
	line, err := readCRLFLine(c.r, 2)
	if err != nil || line != "" {
		return httperr.New(httperr.KindMalformedRequest, "malformed chunk terminator")
	}

	return nil
}

func (c *chunkedReader) consumeTrailers() error {
	for {
		line, err := readCRLFLine(c.r, 8192)
		if err != nil {
			return httperr.New(httperr.KindMalformedRequest, "malformed trailer")
		}

		if line == "" {
			return nil
		}
	}
}
