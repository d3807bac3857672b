package httpproto

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

// FuzzParse exercises the request-line/header parser with adversarial
// input. It must never panic, and on success every invariant it claims to
// enforce (framing exclusivity, token validity) must actually hold.
func FuzzParse(f *testing.F) {
	f.Add("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	f.Add("GET /../../../etc/passwd HTTP/1.1\r\nHost: x\r\n\r\n")
	f.Add("GET / HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello")
	f.Add("GET / HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello")
	f.Add("\x00\x00\x00")
	f.Add("GET / HTTP/1.1\r\n\r\n")
	f.Add("GET / HTTP/1.1\r\nX: " + strings.Repeat("a", 100000) + "\r\n\r\n")
	f.Add("G\rE\nT / HTTP/1.1\r\n\r\n")
	f.Add("GET /%00 HTTP/1.1\r\nHost: x\r\n\r\n")
	f.Add("OPTIONS * HTTP/1.1\r\nHost: x\r\n\r\n")
	f.Add("GET / HTTP/1.1\r\nHeader-Name\r\n\r\n")

	f.Fuzz(func(t *testing.T, raw string) {
		br := bufio.NewReader(strings.NewReader(raw))

		req, err := Parse(br, 8192, 10*1024)
		if err != nil {
			return
		}

		if req.Framing == BodyChunked && req.Header.Count("Content-Length") > 0 {
			t.Fatalf("accepted both chunked and content-length framing")
		}

		if req.Framing == BodyContentLength && req.ContentLen < 0 {
			t.Fatalf("accepted negative content length")
		}

		// draining the body must never panic, whatever framing was chosen.
		_, _ = io.Copy(io.Discard, NewBodyReader(br, req.Framing, req.ContentLen))
	})
}
