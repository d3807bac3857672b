package session

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRW() (*httpproto.ResponseWriter, *bytes.Buffer) {
	var buf bytes.Buffer

	return httpproto.NewResponseWriter(bufio.NewWriter(&buf), "HTTP/1.1"), &buf
}

func TestSetCookie_EmitsExpectedAttributes(t *testing.T) {
	rw, _ := newRW()

	sess := &Session{ID: "abc123"}
	SetCookie(rw, sess, CookieOptions{Secure: true, SameSite: "Lax", MaxAgeSecs: 3600})

	got := rw.Header.Get("Set-Cookie")
	assert.Contains(t, got, "emhttpd_session=abc123")
	assert.Contains(t, got, "Path=/")
	assert.Contains(t, got, "HttpOnly")
	assert.Contains(t, got, "SameSite=Lax")
	assert.Contains(t, got, "Secure")
	assert.Contains(t, got, "Max-Age=3600")
}

func TestSetCookie_DefaultsSameSiteStrict(t *testing.T) {
	rw, _ := newRW()

	SetCookie(rw, &Session{ID: "x"}, CookieOptions{})

	assert.Contains(t, rw.Header.Get("Set-Cookie"), "SameSite=Strict")
}

func TestClearCookie_ExpiresImmediately(t *testing.T) {
	rw, _ := newRW()

	ClearCookie(rw, CookieOptions{})

	got := rw.Header.Get("Set-Cookie")
	assert.Contains(t, got, "Max-Age=0")
}

func TestCookieID_ExtractsFromCookieHeader(t *testing.T) {
	var h httpproto.Header
	h.Set("Cookie", "other=1; emhttpd_session=thesessionid; another=2")

	assert.Equal(t, "thesessionid", CookieID(h))
}

func TestCookieID_AbsentWhenNoMatch(t *testing.T) {
	var h httpproto.Header
	h.Set("Cookie", "other=1")

	assert.Equal(t, "", CookieID(h))
}

func TestStore_SessionCookieRoundTrip(t *testing.T) {
	store := NewStore(newFakeStorage(), time.Hour, 0)

	sess, err := store.Create()
	require.NoError(t, err)

	rw, _ := newRW()
	SetCookie(rw, sess, CookieOptions{})

	var h httpproto.Header
	h.Set("Cookie", rw.Header.Get("Set-Cookie"))

	id := CookieID(h)
	assert.Equal(t, sess.ID, id)
}
