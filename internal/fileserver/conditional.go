package fileserver

import (
	"os"
	"strings"

	"github.com/coreiot/emhttpd/internal/httpproto"
)

// conditionalOutcome is the result of evaluating a request's precondition
// headers against a file's current validators.
type conditionalOutcome int

const (
	outcomeProceed conditionalOutcome = iota
	outcomeNotModified
	outcomePreconditionFailed
)

// evaluateConditionals implements spec.md §4.6's fixed precondition order:
// If-Match, then If-Unmodified-Since, then If-None-Match, then
// If-Modified-Since. If-Range is evaluated separately by the range logic,
// since it only gates whether Range is honored, not whether the request
// proceeds at all.
func evaluateConditionals(h httpproto.Header, method string, fi os.FileInfo) conditionalOutcome {
	etag := ETag(fi)

	if v := h.Get("If-Match"); v != "" {
		if !matchesAnyETag(v, etag) {
			return outcomePreconditionFailed
		}
	}

	if v := h.Get("If-Unmodified-Since"); v != "" {
		if since, err := ParseHTTPDate(v); err == nil {
			if fi.ModTime().Truncate(1e9).After(since) {
				return outcomePreconditionFailed
			}
		}
	}

	isSafe := method == "GET" || method == "HEAD"

	if v := h.Get("If-None-Match"); v != "" {
		if matchesAnyETag(v, etag) {
			if isSafe {
				return outcomeNotModified
			}

			return outcomePreconditionFailed
		}
	} else if v := h.Get("If-Modified-Since"); v != "" && isSafe {
		if since, err := ParseHTTPDate(v); err == nil {
			if !fi.ModTime().Truncate(1e9).After(since) {
				return outcomeNotModified
			}
		}
	}

	return outcomeProceed
}

// matchesAnyETag reports whether header (a comma-separated If-Match/
// If-None-Match list, possibly "*") matches etag. A client-sent weak tag
// (W/"...") is still accepted by stripping the prefix before comparing,
// even though ETag itself only ever produces strong validators.
func matchesAnyETag(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}

	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}

	return false
}

// rangeAllowed implements If-Range: a Range header is honored only if
// If-Range is absent, or it names the file's current ETag, or (as a date)
// the file has not been modified since.
func rangeAllowed(h httpproto.Header, fi os.FileInfo) bool {
	v := h.Get("If-Range")
	if v == "" {
		return true
	}

	if strings.HasPrefix(v, `"`) || strings.HasPrefix(v, "W/") {
		return matchesAnyETag(v, ETag(fi))
	}

	if since, err := ParseHTTPDate(v); err == nil {
		return !fi.ModTime().Truncate(1e9).After(since)
	}

	return false
}
