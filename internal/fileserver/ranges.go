package fileserver

import (
	"strconv"
	"strings"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// byteRange is a single resolved, inclusive byte range.
type byteRange struct {
	start, end int64 // inclusive
}

func (r byteRange) length() int64 { return r.end - r.start + 1 }

// ParseRanges parses a "Range: bytes=..." header value against a resource
// of the given total size, resolving suffix ranges ("-500") and open-ended
// ranges ("500-") per RFC 7233 §2.1. It returns a KindRangeNotSatisfiable
// error (mapped by the caller to 416) if the header names the bytes unit
// but every range is out of bounds; a header that fails to parse as a
// byte-range-set at all (missing "bytes=", non-numeric) returns a
// KindMalformedRequest error, mapped by the caller to 400 per spec.md §4.6.
func ParseRanges(header string, size int64) ([]byteRange, error) {
	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return nil, errNotByteRanges
	}

	specs := strings.Split(strings.TrimPrefix(header, prefix), ",")

	var ranges []byteRange

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)

		start, end, ok := strings.Cut(spec, "-")
		if !ok {
			return nil, errNotByteRanges
		}

		var r byteRange

		switch {
		case start == "" && end != "":
			// suffix range: last N bytes
			n, err := strconv.ParseInt(end, 10, 64)
			if err != nil || n <= 0 {
				return nil, errNotByteRanges
			}

			if n > size {
				n = size
			}

			r = byteRange{start: size - n, end: size - 1}
		case start != "" && end == "":
			s, err := strconv.ParseInt(start, 10, 64)
			if err != nil || s < 0 {
				return nil, errNotByteRanges
			}

			if s >= size {
				continue // unsatisfiable individually; skip, checked below
			}

			r = byteRange{start: s, end: size - 1}
		case start != "" && end != "":
			s, err1 := strconv.ParseInt(start, 10, 64)
			e, err2 := strconv.ParseInt(end, 10, 64)

			if err1 != nil || err2 != nil || s < 0 || s > e {
				return nil, errNotByteRanges
			}

			if s >= size {
				continue
			}

			if e >= size {
				e = size - 1
			}

			r = byteRange{start: s, end: e}
		default:
			return nil, errNotByteRanges
		}

		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return nil, httperr.New(httperr.KindRangeNotSatisfiable, "no satisfiable range")
	}

	return ranges, nil
}

var errNotByteRanges = httperr.New(httperr.KindMalformedRequest, "not a valid byte-range-set")
