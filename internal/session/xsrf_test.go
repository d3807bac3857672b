package session

import (
	"testing"

	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiresCheck_UnsafeMethods(t *testing.T) {
	assert.True(t, RequiresCheck("POST"))
	assert.True(t, RequiresCheck("PUT"))
	assert.True(t, RequiresCheck("DELETE"))
	assert.True(t, RequiresCheck("PATCH"))
	assert.False(t, RequiresCheck("GET"))
	assert.False(t, RequiresCheck("HEAD"))
}

func TestCheck_ValidHeaderToken(t *testing.T) {
	sess := &Session{XSRFToken: "tok123"}

	var h httpproto.Header
	h.Set(XSRFHeader, "tok123")

	require.NoError(t, Check(sess, h, "", nil))
}

func TestCheck_MismatchedToken(t *testing.T) {
	sess := &Session{XSRFToken: "tok123"}

	var h httpproto.Header
	h.Set(XSRFHeader, "wrong")

	err := Check(sess, h, "", nil)
	require.Error(t, err)

	he, ok := err.(*httperr.Error)
	require.True(t, ok)
	assert.Equal(t, httperr.KindMalformedRequest, he.Kind)
}

func TestCheck_MissingTokenRejected(t *testing.T) {
	sess := &Session{XSRFToken: "tok123"}

	var h httpproto.Header

	err := Check(sess, h, "", nil)
	require.Error(t, err)
}

func TestCheck_NoSessionRejected(t *testing.T) {
	var h httpproto.Header
	h.Set(XSRFHeader, "tok123")

	err := Check(nil, h, "", nil)
	require.Error(t, err)
}

func TestCheck_FormFieldTokenAccepted(t *testing.T) {
	sess := &Session{XSRFToken: "tok123"}

	var h httpproto.Header

	body := []byte("name=alice&-xsrf-=tok123")

	require.NoError(t, Check(sess, h, "application/x-www-form-urlencoded", body))
}

func TestCheck_FormFieldIgnoredForOtherContentTypes(t *testing.T) {
	sess := &Session{XSRFToken: "tok123"}

	var h httpproto.Header

	body := []byte("name=alice&-xsrf-=tok123")

	err := Check(sess, h, "application/json", body)
	require.Error(t, err)
}
