// Package fileserver implements the static file handler component (C8):
// document-root resolution, conditional requests, range responses, and
// pre-compressed sibling selection.
package fileserver

import (
	"fmt"
	"os"
	"time"
)

// httpTimeLayout is the RFC 7231 "HTTP-date" (IMF-fixdate) format used by
// Last-Modified, If-Modified-Since, and If-Unmodified-Since.
const httpTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ETag computes a strong, quoted validator from a file's size and
// modification time, per spec.md §4.6 ("compute ETag (strong, quoted)").
// Strong validators are required for If-Range range-resume per RFC 7233
// §2.3: a weak tag is not safe to resume a byte range against, since it
// only promises semantic rather than byte-for-byte equivalence.
func ETag(fi os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, fi.Size(), fi.ModTime().UnixNano())
}

// LastModified formats fi's modification time as an HTTP-date.
func LastModified(fi os.FileInfo) string {
	return fi.ModTime().UTC().Format(httpTimeLayout)
}

// ParseHTTPDate parses an HTTP-date header value, truncated to one-second
// resolution the way the wire format itself is.
func ParseHTTPDate(s string) (time.Time, error) {
	return time.Parse(httpTimeLayout, s)
}
