package fileserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSiblings(t *testing.T, base string, br, gz bool) {
	t.Helper()

	require.NoError(t, os.WriteFile(base, []byte("plain"), 0o644))

	if br {
		require.NoError(t, os.WriteFile(base+".br", []byte("brotli-bytes"), 0o644))
	}

	if gz {
		require.NoError(t, os.WriteFile(base+".gz", []byte("gzip-bytes"), 0o644))
	}
}

func TestNegotiateEncoding_BrotliPreferredOnTie(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.js")
	writeSiblings(t, base, true, true)

	assert.Equal(t, "br", negotiateEncoding("br, gzip", base))
}

func TestNegotiateEncoding_HigherQWins(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.js")
	writeSiblings(t, base, true, true)

	assert.Equal(t, "gzip", negotiateEncoding("br;q=0.1, gzip;q=0.9", base))
}

func TestNegotiateEncoding_FallsBackWhenSiblingMissing(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.js")
	writeSiblings(t, base, false, true)

	assert.Equal(t, "gzip", negotiateEncoding("br, gzip", base))
}

func TestNegotiateEncoding_NoAcceptEncoding(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "app.js")
	writeSiblings(t, base, true, true)

	assert.Equal(t, "", negotiateEncoding("", base))
}

func TestNegotiatePreferred_IgnoresSiblingExistence(t *testing.T) {
	assert.Equal(t, "br", negotiatePreferred("br;q=0.5, gzip;q=0.4"))
	assert.Equal(t, "gzip", negotiatePreferred("br;q=0.1, gzip;q=0.9"))
	assert.Equal(t, "", negotiatePreferred(""))
}
