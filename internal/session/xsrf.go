package session

import (
	"crypto/subtle"
	"net/url"
	"strings"

	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/coreiot/emhttpd/internal/httpproto"
)

// XSRFHeader is the header clients echo the token back in.
const XSRFHeader = "X-XSRF-TOKEN"

// XSRFFormField is the embeddable form-field name (spec.md §4.11: "-xsrf-").
const XSRFFormField = "-xsrf-"

var unsafeMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
	"PATCH":  true,
}

// IssueHeader exposes the session's XSRF token via the response header, per
// spec.md §4.11 ("on any request that establishes a session, the server
// sets a token ... exposes it via response header X-XSRF-TOKEN").
func IssueHeader(rw *httpproto.ResponseWriter, sess *Session) {
	rw.SetHeader(XSRFHeader, sess.XSRFToken)
}

// RequiresCheck reports whether method is one of the unsafe methods XSRF
// protection guards (spec.md §4.11).
func RequiresCheck(method string) bool {
	return unsafeMethods[method]
}

// Check validates the XSRF token on an unsafe-method request against sess.
// The token may arrive in the X-XSRF-TOKEN header or, for HTML form
// submissions, the "-xsrf-" url-encoded form field carried in rawBody
// (only consulted when contentType is form-urlencoded). A missing session,
// missing token, or mismatch all yield the same 400 (spec.md §4.11:
// "absence or mismatch ⇒ 400").
func Check(sess *Session, header httpproto.Header, contentType string, rawBody []byte) error {
	if sess == nil {
		return httperr.New(httperr.KindMalformedRequest, "XSRF token required but no session present")
	}

	token := header.Get(XSRFHeader)

	if token == "" && strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		token = formToken(rawBody)
	}

	if token == "" {
		return httperr.New(httperr.KindMalformedRequest, "missing XSRF token")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(sess.XSRFToken)) != 1 {
		return httperr.New(httperr.KindMalformedRequest, "XSRF token mismatch")
	}

	return nil
}

func formToken(rawBody []byte) string {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return ""
	}

	return values.Get(XSRFFormField)
}
