package router

import (
	"testing"

	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath_Simple(t *testing.T) {
	out, err := NormalizePath("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", out)
}

func TestNormalizePath_CollapsesSlashes(t *testing.T) {
	out, err := NormalizePath("/a//b///c")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", out)
}

func TestNormalizePath_ResolvesDotSegments(t *testing.T) {
	out, err := NormalizePath("/a/./b/../c")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", out)
}

func TestNormalizePath_PreservesTrailingSlash(t *testing.T) {
	out, err := NormalizePath("/a/b/")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/", out)
}

func TestNormalizePath_RejectsEscapeAboveRoot(t *testing.T) {
	_, err := NormalizePath("/a/../../b")
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestNormalizePath_RejectsEscapeAtRoot(t *testing.T) {
	_, err := NormalizePath("/..")
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestNormalizePath_DecodesPercentEscapes(t *testing.T) {
	out, err := NormalizePath("/a%2Fb")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", out)
}

func TestNormalizePath_RejectsMalformedPercentEscape(t *testing.T) {
	_, err := NormalizePath("/a%2")
	requireKind(t, err, httperr.KindMalformedRequest)
}

func TestNormalizePath_RejectsNulByte(t *testing.T) {
	_, err := NormalizePath("/a%00b")
	requireKind(t, err, httperr.KindMalformedRequest)
}

func TestNormalizePath_RejectsOverlongUTF8(t *testing.T) {
	// %C0%AE is an overlong two-byte encoding of U+002E ('.'), a classic
	// traversal-filter bypass; it must be rejected as invalid UTF-8 rather
	// than silently decoded to ".".
	_, err := NormalizePath("/a/%C0%AE%C0%AE/b")
	requireKind(t, err, httperr.KindMalformedRequest)
}

func TestNormalizePath_DotSegmentsCannotEscapeAfterDecode(t *testing.T) {
	_, err := NormalizePath("/a/%2e%2e/%2e%2e/etc")
	require.ErrorIs(t, err, ErrPathEscape)
}

func TestJoinRoot_StaysWithinRoot(t *testing.T) {
	out, err := JoinRoot("/srv/www", "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/srv/www/a/b", out)
}

func TestJoinRoot_RootItself(t *testing.T) {
	out, err := JoinRoot("/srv/www", "/")
	require.NoError(t, err)
	assert.Equal(t, "/srv/www", out)
}

func requireKind(t *testing.T, err error, kind httperr.Kind) {
	t.Helper()
	require.Error(t, err)

	he, ok := err.(*httperr.Error)
	require.True(t, ok, "expected *httperr.Error, got %T", err)
	assert.Equal(t, kind, he.Kind)
}
