package session

import (
	"fmt"
	"strings"

	"github.com/coreiot/emhttpd/internal/httpproto"
)

// CookieName is the fixed name of the session cookie (spec.md §4.11).
const CookieName = "emhttpd_session"

// CookieOptions controls the Set-Cookie attributes emitted when a session
// is created or rotated.
type CookieOptions struct {
	Secure      bool   // set on TLS connections
	SameSite    string // "Strict" or "Lax"; see DESIGN.md for the default
	MaxAgeSecs  int
}

// SetCookie writes a Set-Cookie header carrying sess.ID with the configured
// flags. Path is always "/" per spec.md §4.11.
func SetCookie(rw *httpproto.ResponseWriter, sess *Session, opts CookieOptions) {
	var b strings.Builder

	fmt.Fprintf(&b, "%s=%s; Path=/; HttpOnly", CookieName, sess.ID)

	if opts.MaxAgeSecs > 0 {
		fmt.Fprintf(&b, "; Max-Age=%d", opts.MaxAgeSecs)
	}

	sameSite := opts.SameSite
	if sameSite == "" {
		sameSite = "Strict"
	}

	fmt.Fprintf(&b, "; SameSite=%s", sameSite)

	if opts.Secure {
		b.WriteString("; Secure")
	}

	rw.AddHeader("Set-Cookie", b.String())
}

// ClearCookie overwrites the session cookie with an already-expired one, for
// logout.
func ClearCookie(rw *httpproto.ResponseWriter, opts CookieOptions) {
	sameSite := opts.SameSite
	if sameSite == "" {
		sameSite = "Strict"
	}

	value := fmt.Sprintf("%s=; Path=/; HttpOnly; Max-Age=0; SameSite=%s", CookieName, sameSite)
	if opts.Secure {
		value += "; Secure"
	}

	rw.AddHeader("Set-Cookie", value)
}

// CookieID extracts the session id presented in the request's Cookie
// header, or "" if absent. The caller must still validate it against the
// store: presenting an id proves nothing by itself (spec.md §4.11).
func CookieID(h httpproto.Header) string {
	for _, line := range h.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)

			name, value, found := strings.Cut(part, "=")
			if !found {
				continue
			}

			if name == CookieName {
				return value
			}
		}
	}

	return ""
}
