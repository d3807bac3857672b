package fileserver

import (
	"testing"

	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRanges_SingleRange(t *testing.T) {
	ranges, err := ParseRanges("bytes=0-99", 1000)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(0), ranges[0].start)
	assert.Equal(t, int64(99), ranges[0].end)
}

func TestParseRanges_SuffixRange(t *testing.T) {
	ranges, err := ParseRanges("bytes=-100", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(900), ranges[0].start)
	assert.Equal(t, int64(999), ranges[0].end)
}

func TestParseRanges_OpenEndedRange(t *testing.T) {
	ranges, err := ParseRanges("bytes=900-", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(900), ranges[0].start)
	assert.Equal(t, int64(999), ranges[0].end)
}

func TestParseRanges_EndClampedToSize(t *testing.T) {
	ranges, err := ParseRanges("bytes=0-9999", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(999), ranges[0].end)
}

func TestParseRanges_MultipleRanges(t *testing.T) {
	ranges, err := ParseRanges("bytes=0-99,200-299", 1000)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
}

func TestParseRanges_AllUnsatisfiable(t *testing.T) {
	_, err := ParseRanges("bytes=2000-3000", 1000)
	he, ok := err.(*httperr.Error)
	require.True(t, ok)
	assert.Equal(t, httperr.KindRangeNotSatisfiable, he.Kind)
}

func TestParseRanges_MalformedUnit(t *testing.T) {
	_, err := ParseRanges("items=0-1", 1000)
	require.Error(t, err)
}
