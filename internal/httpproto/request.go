// Package httpproto implements the HTTP/1.x request-line, header, and body
// parser plus the response writer (spec.md §4.3, component C5). Parsing
// functions operate on a *bufio.Reader so they are independently unit- and
// fuzz-testable without a live socket; the request/response types here are
// the realization of spec.md §3's Request/Response record.
package httpproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// BodyFraming identifies how a request body is delimited.
type BodyFraming int

const (
	BodyNone BodyFraming = iota
	BodyContentLength
	BodyChunked
)

// Request is the parsed request-line plus headers (spec.md §3). The body is
// exposed separately via NewBodyReader once the caller has inspected
// headers, so large or streamed bodies are never buffered here.
type Request struct {
	Method     string
	RawTarget  string // exactly as it appeared on the wire, pre-normalization
	Path       string // RawTarget without the query string, percent still encoded
	RawQuery   string
	Version    string // "HTTP/1.0" or "HTTP/1.1"
	Header     Header
	Framing    BodyFraming
	ContentLen int64 // valid when Framing == BodyContentLength

	// KeepAliveRequested reflects the client's Connection header combined
	// with the protocol version default (1.1 defaults to keep-alive, 1.0
	// defaults to close unless "Connection: keep-alive" is present).
	KeepAliveRequested bool
}

const maxRequestLineBytes = 8192

// ReadRequestLine reads and validates "METHOD SP request-target SP
// HTTP-version CRLF" per spec.md §4.3. request-target accepts origin-form
// only; any CR, LF, NUL, or raw space inside it is rejected with 400.
func ReadRequestLine(r *bufio.Reader, maxURIBytes int64) (method, target, version string, err error) {
	line, err := readCRLFLine(r, maxRequestLineBytes)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return "", "", "", httperr.New(httperr.KindOversized, "request line too long")
		}

		return "", "", "", httperr.Wrap(httperr.KindMalformedRequest, "could not read request line", err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", httperr.New(httperr.KindMalformedRequest, "malformed request line")
	}

	method, target, version = parts[0], parts[1], parts[2]

	if !IsToken(method) {
		return "", "", "", httperr.New(httperr.KindMalformedRequest, "malformed method")
	}

	if target == "" || strings.ContainsAny(target, "\x00\r\n ") {
		return "", "", "", httperr.New(httperr.KindMalformedRequest, "malformed request-target")
	}

	if target[0] != '/' {
		// origin-form only; absolute-form/authority-form/asterisk-form rejected.
		return "", "", "", httperr.New(httperr.KindMalformedRequest, "only origin-form request-target is accepted")
	}

	if int64(len(target)) > maxURIBytes {
		return "", "", "", httperr.New(httperr.KindOversized, "request-target too long")
	}

	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return "", "", "", httperr.New(httperr.KindMalformedRequest, "unsupported HTTP version")
	}

	return method, target, version, nil
}

// ReadHeaders reads the header block up to the terminating empty line.
// Total header bytes exceeding maxBytes ⇒ 413; a field-name or value
// containing CR/LF (outside the terminating CRLF) or non-token field-name
// characters ⇒ 400 (spec.md §4.3).
func ReadHeaders(r *bufio.Reader, maxBytes int64) (Header, error) {
	var h Header

	var total int64

	for {
		line, err := readCRLFLine(r, int(maxBytes-total)+2)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return h, httperr.New(httperr.KindOversized, "header block too large")
			}

			return h, httperr.Wrap(httperr.KindMalformedRequest, "could not read headers", err)
		}

		total += int64(len(line)) + 2
		if total > maxBytes {
			return h, httperr.New(httperr.KindOversized, "header block too large")
		}

		if line == "" {
			return h, nil
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return h, httperr.New(httperr.KindMalformedRequest, "malformed header field")
		}

		name := line[:colon]
		value := strings.Trim(line[colon+1:], " \t")

		if !isValidFieldName(name) {
			return h, httperr.New(httperr.KindMalformedRequest, "invalid header field-name")
		}

		if containsCROrLF(value) {
			return h, httperr.New(httperr.KindMalformedRequest, "CR/LF in header value")
		}

		h.Add(name, value)
	}
}

func isValidFieldName(name string) bool {
	return IsToken(name)
}

// DetermineFraming applies spec.md §3's invariant: Content-Length and
// Transfer-Encoding: chunked are mutually exclusive; two differing
// Content-Length values, or both framing indicators present, ⇒ 400.
func DetermineFraming(h Header) (BodyFraming, int64, error) {
	te := h.Values("Transfer-Encoding")
	hasChunked := false

	for _, v := range te {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				hasChunked = true
			}
		}
	}

	clValues := h.Values("Content-Length")

	distinctCL := map[string]bool{}
	for _, v := range clValues {
		distinctCL[strings.TrimSpace(v)] = true
	}

	hasCL := len(clValues) > 0

	if hasChunked && hasCL {
		return BodyNone, 0, httperr.New(httperr.KindMalformedRequest, "Content-Length and Transfer-Encoding both present")
	}

	if hasChunked {
		return BodyChunked, 0, nil
	}

	if hasCL {
		if len(distinctCL) > 1 {
			return BodyNone, 0, httperr.New(httperr.KindMalformedRequest, "conflicting Content-Length values")
		}

		n, err := strconv.ParseInt(clValues[0], 10, 64)
		if err != nil || n < 0 {
			return BodyNone, 0, httperr.New(httperr.KindMalformedRequest, "malformed Content-Length")
		}

		return BodyContentLength, n, nil
	}

	return BodyNone, 0, nil
}

// Parse reads a complete request line and header block from r, validates
// framing, and returns the populated Request. The body is not consumed;
// call NewBodyReader separately.
func Parse(r *bufio.Reader, maxURIBytes, maxHeaderBytes int64) (*Request, error) {
	method, target, version, err := ReadRequestLine(r, maxURIBytes)
	if err != nil {
		return nil, err
	}

	header, err := ReadHeaders(r, maxHeaderBytes)
	if err != nil {
		return nil, err
	}

	framing, contentLen, err := DetermineFraming(header)
	if err != nil {
		return nil, err
	}

	path, query, _ := strings.Cut(target, "?")

	req := &Request{
		Method:     method,
		RawTarget:  target,
		Path:       path,
		RawQuery:   query,
		Version:    version,
		Header:     header,
		Framing:    framing,
		ContentLen: contentLen,
	}
	req.KeepAliveRequested = keepAliveRequested(version, header)

	return req, nil
}

func keepAliveRequested(version string, h Header) bool {
	conn := strings.ToLower(h.Get("Connection"))
	tokens := strings.Split(conn, ",")

	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	has := func(tok string) bool {
		for _, t := range tokens {
			if t == tok {
				return true
			}
		}

		return false
	}

	if has("close") {
		return false
	}

	if version == "HTTP/1.1" {
		return true
	}

	return has("keep-alive")
}

var errLineTooLong = errors.New("httpproto: line too long")

// readCRLFLine reads a single CRLF-terminated line (CRLF excluded from the
// result), enforcing maxBytes and rejecting bare LF (not preceded by CR) as
// malformed, which also defeats naive CR/LF smuggling across chunked
// boundaries.
func readCRLFLine(r *bufio.Reader, maxBytes int) (string, error) {
	var buf []byte

	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if len(buf) > maxBytes {
			return "", errLineTooLong
		}

		if err == nil {
			break
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}

		return "", err
	}

	if len(buf) < 2 || buf[len(buf)-2] != '\r' {
		return "", fmt.Errorf("httpproto: line not terminated by CRLF")
	}

	return string(buf[:len(buf)-2]), nil
}
