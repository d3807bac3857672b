package fileserver

import (
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/coreiot/emhttpd/internal/router"
)

// DotfilePolicy controls how requests for paths containing a dotfile
// segment (e.g. "/.git/config") are handled. Decided as an Open Question
// in DESIGN.md: default is DotfileForbid, matching the common embedded-httpd
// posture of refusing rather than silently 404ing (a 403 tells an operator
// misconfiguring a document root something is actually there; a bare 404
// looks identical to a typo).
type DotfilePolicy int

const (
	DotfileForbid DotfilePolicy = iota
	DotfileAllow
	DotfileNotFound
)

// Options configures a Handler beyond what hostconfig.Route already carries.
type Options struct {
	IndexNames    []string // tried in order when path resolves to a directory
	DotfilePolicy DotfilePolicy
}

// DefaultOptions returns the handler defaults spec.md §4.6 implies.
func DefaultOptions() Options {
	return Options{IndexNames: []string{"index.html", "index.htm"}, DotfilePolicy: DotfileForbid}
}

// Serve resolves req against host's document root under route and writes
// the response through rw. It implements: path safety (delegated to
// router.JoinRoot), dotfile policy, index resolution, directory redirects,
// conditional requests, single/multi-range responses, pre-compressed
// sibling negotiation, and cache-control emission from route.Cache.
func Serve(rw *httpproto.ResponseWriter, req *httpproto.Request, host *hostconfig.Host, route hostconfig.Route, matchedPath string, opts Options) error {
	docRoot := route.UploadDir
	if docRoot == "" {
		docRoot = host.Documents
	}

	relPath := strings.TrimPrefix(matchedPath, route.Path)
	if !strings.HasPrefix(relPath, "/") {
		relPath = "/" + relPath
	}

	if containsDotfileSegment(relPath) {
		switch opts.DotfilePolicy {
		case DotfileNotFound:
			return httperr.New(httperr.KindNotFound, "not found")
		case DotfileForbid:
			return httperr.New(httperr.KindForbidden, "dotfile access forbidden")
		}
	}

	fsPath, err := router.JoinRoot(docRoot, relPath)
	if err != nil {
		return httperr.New(httperr.KindNotFound, "not found")
	}

	fi, err := os.Stat(fsPath)
	if err != nil {
		return httperr.New(httperr.KindNotFound, "not found")
	}

	if fi.IsDir() {
		if !strings.HasSuffix(req.Path, "/") {
			rw.SetStatus(301)
			rw.SetHeader("Location", req.Path+"/")

			return rw.Finalize()
		}

		fsPath, fi, err = resolveIndex(fsPath, opts.IndexNames)
		if err != nil {
			return httperr.New(httperr.KindNotFound, "not found")
		}
	}

	if req.Method != "GET" && req.Method != "HEAD" {
		return httperr.New(httperr.KindMethodNotAllowed, "method not allowed")
	}

	switch evaluateConditionals(req.Header, req.Method, fi) {
	case outcomeNotModified:
		rw.SetStatus(304)
		setValidators(rw, fi)
		applyCachePolicy(rw, route.Cache)

		return rw.Finalize()
	case outcomePreconditionFailed:
		return httperr.New(httperr.KindPreconditionFailed, "precondition failed")
	}

	servePath := fsPath
	encoding := ""
	onTheFly := false

	if route.Compress {
		encoding = negotiateEncoding(req.Header.Get("Accept-Encoding"), fsPath)
		if encoding != "" {
			servePath = fsPath + extensionFor(encoding)
			rw.SetHeader("Vary", "Accept-Encoding")
		} else if pref := negotiatePreferred(req.Header.Get("Accept-Encoding")); pref != "" {
			// No precompressed sibling on disk; compress on the fly rather
			// than serving uncompressed when the client would accept it.
			encoding = pref
			onTheFly = true
			rw.SetHeader("Vary", "Accept-Encoding")
		}
	}

	f, err := os.Open(servePath)
	if err != nil {
		return httperr.Wrap(httperr.KindInternal, "could not open file", err)
	}
	defer f.Close()

	setValidators(rw, fi)
	applyCachePolicy(rw, route.Cache)
	rw.SetHeader("Content-Type", host.MimeType(filepath.Ext(fsPath)))

	if encoding != "" {
		rw.SetHeader("Content-Encoding", encoding)
	}

	if onTheFly {
		return serveCompressedOnTheFly(rw, req, f, encoding)
	}

	rw.SetHeader("Accept-Ranges", "bytes")

	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" && rangeAllowed(req.Header, fi) && encoding == "" {
		return serveRange(rw, req, f, fi, rangeHeader, host.MimeType(filepath.Ext(fsPath)))
	}

	rw.SetStatus(200)

	if req.Method == "HEAD" {
		rw.SetHeader("Content-Length", strconv.FormatInt(fileSize(servePath, fi, encoding), 10))

		return rw.Finalize()
	}

	if _, err := io.Copy(rw, f); err != nil {
		return httperr.Wrap(httperr.KindInternal, "error writing response body", err)
	}

	return rw.Finalize()
}

// serveCompressedOnTheFly streams f through a brotli or gzip encoder into
// rw's chunked mode, since the compressed length isn't known in advance.
func serveCompressedOnTheFly(rw *httpproto.ResponseWriter, req *httpproto.Request, f *os.File, encoding string) error {
	rw.SetStatus(200)
	rw.UseChunked()

	if req.Method == "HEAD" {
		return rw.Finalize()
	}

	cw, err := compressingWriter(rw, encoding)
	if err != nil {
		return err
	}

	if _, err := io.Copy(cw, f); err != nil {
		return httperr.Wrap(httperr.KindInternal, "error writing compressed response body", err)
	}

	if err := cw.Close(); err != nil {
		return httperr.Wrap(httperr.KindInternal, "error closing compressor", err)
	}

	return rw.Finalize()
}

func fileSize(servePath string, fallback os.FileInfo, encoding string) int64 {
	if encoding == "" {
		return fallback.Size()
	}

	if fi, err := os.Stat(servePath); err == nil {
		return fi.Size()
	}

	return fallback.Size()
}

func extensionFor(encoding string) string {
	switch encoding {
	case "br":
		return ".br"
	case "gzip":
		return ".gz"
	default:
		return ""
	}
}

func resolveIndex(dir string, names []string) (string, os.FileInfo, error) {
	for _, name := range names {
		candidate := filepath.Join(dir, name)

		fi, err := os.Stat(candidate)
		if err == nil && !fi.IsDir() {
			return candidate, fi, nil
		}
	}

	return "", nil, os.ErrNotExist
}

func containsDotfileSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, ".") && seg != "" {
			return true
		}
	}

	return false
}

func setValidators(rw *httpproto.ResponseWriter, fi os.FileInfo) {
	rw.SetHeader("ETag", ETag(fi))
	rw.SetHeader("Last-Modified", LastModified(fi))
}

func applyCachePolicy(rw *httpproto.ResponseWriter, policy hostconfig.CachePolicy) {
	var parts []string

	switch policy.Visibility {
	case hostconfig.CachePrivate:
		parts = append(parts, "private")
	case hostconfig.CacheNoCache:
		parts = append(parts, "no-cache")
	case hostconfig.CacheNoStore:
		parts = append(parts, "no-store")
	default:
		parts = append(parts, "public")
	}

	if policy.MaxAgeSeconds > 0 {
		parts = append(parts, "max-age="+strconv.Itoa(policy.MaxAgeSeconds))
	}

	if policy.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}

	rw.SetHeader("Cache-Control", strings.Join(parts, ", "))
}

func serveRange(rw *httpproto.ResponseWriter, req *httpproto.Request, f *os.File, fi os.FileInfo, rangeHeader, contentType string) error {
	ranges, err := ParseRanges(rangeHeader, fi.Size())
	if err != nil {
		if he, ok := err.(*httperr.Error); ok && he.Kind == httperr.KindRangeNotSatisfiable {
			rw.SetHeader("Content-Range", "bytes */"+strconv.FormatInt(fi.Size(), 10))
			rw.SetStatus(416)

			return rw.Finalize()
		}
		// Malformed syntax (missing "bytes=", non-numeric) is a 400, per
		// spec.md §4.6 — distinct from a well-formed but out-of-bounds
		// range, which stays a 416 above.
		return err
	}

	rw.SetStatus(206)

	if len(ranges) == 1 {
		r := ranges[0]
		rw.SetHeader("Content-Range", "bytes "+strconv.FormatInt(r.start, 10)+"-"+strconv.FormatInt(r.end, 10)+"/"+strconv.FormatInt(fi.Size(), 10))
		rw.SetHeader("Content-Length", strconv.FormatInt(r.length(), 10))

		if req.Method == "HEAD" {
			return rw.Finalize()
		}

		if _, err := f.Seek(r.start, io.SeekStart); err != nil {
			return httperr.Wrap(httperr.KindInternal, "seek failed", err)
		}

		if _, err := io.CopyN(rw, f, r.length()); err != nil {
			return httperr.Wrap(httperr.KindInternal, "error writing range body", err)
		}

		return rw.Finalize()
	}

	return serveMultiRange(rw, req, f, fi, ranges, contentType)
}

func serveMultiRange(rw *httpproto.ResponseWriter, req *httpproto.Request, f *os.File, fi os.FileInfo, ranges []byteRange, contentType string) error {
	rw.UseChunked()

	mw := multipart.NewWriter(rw)
	rw.SetHeader("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())

	if req.Method == "HEAD" {
		return rw.Finalize()
	}

	for _, r := range ranges {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", contentType)
		header.Set("Content-Range", "bytes "+strconv.FormatInt(r.start, 10)+"-"+strconv.FormatInt(r.end, 10)+"/"+strconv.FormatInt(fi.Size(), 10))

		part, err := mw.CreatePart(header)
		if err != nil {
			return httperr.Wrap(httperr.KindInternal, "error writing multipart range", err)
		}

		if _, err := f.Seek(r.start, io.SeekStart); err != nil {
			return httperr.Wrap(httperr.KindInternal, "seek failed", err)
		}

		if _, err := io.CopyN(part, f, r.length()); err != nil {
			return httperr.Wrap(httperr.KindInternal, "error writing range body", err)
		}
	}

	if err := mw.Close(); err != nil {
		return httperr.Wrap(httperr.KindInternal, "error closing multipart writer", err)
	}

	return rw.Finalize()
}

// compressingWriter wraps rw in on-the-fly brotli/gzip compression for
// routes with Compress set but no pre-built .br/.gz sibling on disk. Serve
// reaches it through serveCompressedOnTheFly only after the sibling probe
// found nothing, so a precompressed sibling is always preferred when one
// exists.
func compressingWriter(rw *httpproto.ResponseWriter, encoding string) (io.WriteCloser, error) {
	switch encoding {
	case "br":
		return brotli.NewWriter(rw), nil
	case "gzip":
		return gzip.NewWriter(rw), nil
	default:
		return nil, httperr.New(httperr.KindInternal, "unsupported encoding")
	}
}
