package router

import (
	"strings"
	"testing"
)

// FuzzNormalizePath exercises the "path safety" universal testable property
// from spec.md §8: for any input, normalization either rejects it outright
// or produces a path that, joined onto a document root, never escapes it.
func FuzzNormalizePath(f *testing.F) {
	f.Add("/a/b/c")
	f.Add("/a/../../b")
	f.Add("/..")
	f.Add("/a/%2e%2e/%2e%2e/etc/passwd")
	f.Add("/a%00b")
	f.Add("/a%2")
	f.Add("/%C0%AE%C0%AE/etc")
	f.Add("//a///b/")
	f.Add("/a/./././b")
	f.Add(strings.Repeat("/a/..", 1000) + "/b")

	f.Fuzz(func(t *testing.T, raw string) {
		out, err := NormalizePath(raw)
		if err != nil {
			return
		}

		joined, err := JoinRoot("/srv/www", out)
		if err != nil {
			t.Fatalf("normalized path %q escaped root: %v", out, err)
		}

		if !strings.HasPrefix(joined, "/srv/www") {
			t.Fatalf("joined path %q not under root", joined)
		}
	})
}
