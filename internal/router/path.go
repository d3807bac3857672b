// Package router implements the routing component (C6): path normalization
// and first-match-wins route selection over a host's ordered route table.
package router

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// ErrPathEscape is returned by NormalizePath when a "../" segment would
// cross above the root at any intermediate point, and by JoinRoot when the
// resulting filesystem path is not a strict descendant of root.
var ErrPathEscape = errors.New("router: path escapes root")

// NormalizePath implements spec.md §4.4: percent-decode (rejecting
// malformed escapes, NUL, and invalid/overlong UTF-8), collapse consecutive
// slashes, and resolve "." and ".." segments. A path that would traverse
// above root at any intermediate point is rejected with ErrPathEscape,
// which callers map to 400 or 404 per spec's stated implementation choice.
// The returned path always begins with "/"; a trailing "/" on the input
// (other than the root itself) is preserved so directory-index logic in
// the file handler can detect it.
func NormalizePath(raw string) (string, error) {
	decoded, err := percentDecode(raw)
	if err != nil {
		return "", err
	}

	if strings.IndexByte(decoded, 0) >= 0 {
		return "", httperr.New(httperr.KindMalformedRequest, "NUL byte in path")
	}

	if !utf8.ValidString(decoded) {
		return "", httperr.New(httperr.KindMalformedRequest, "invalid UTF-8 in path")
	}

	trailingSlash := len(decoded) > 1 && strings.HasSuffix(decoded, "/")

	segments := strings.Split(decoded, "/")

	stack := make([]string, 0, len(segments))

	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", httperr.Wrap(httperr.KindMalformedRequest, "path escapes document root", ErrPathEscape)
			}

			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	out := "/" + strings.Join(stack, "/")
	if trailingSlash && out != "/" {
		out += "/"
	}

	return out, nil
}

// percentDecode decodes %XX escapes. A malformed escape (not followed by
// two hex digits) is an error, per spec.md §4.4 "reject malformed %".
func percentDecode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)

			continue
		}

		if i+2 >= len(s) {
			return "", httperr.New(httperr.KindMalformedRequest, "malformed percent-escape")
		}

		hi, ok1 := hexVal(s[i+1])
		lo, ok2 := hexVal(s[i+2])

		if !ok1 || !ok2 {
			return "", httperr.New(httperr.KindMalformedRequest, "malformed percent-escape")
		}

		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}

	return b.String(), nil
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// JoinRoot joins a normalized request path onto a document root and
// verifies the result is a strict descendant of root, enforcing spec.md
// §3's invariant: "the normalized request path never escapes the
// configured document root."
func JoinRoot(root, normalizedPath string) (string, error) {
	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, filepath.FromSlash(normalizedPath))

	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}

	return joined, nil
}
