package fileserver

import (
	"os"
	"strconv"
	"strings"
)

// encodingCandidate is one entry of a parsed Accept-Encoding header.
type encodingCandidate struct {
	name string
	q    float64
}

// negotiateEncoding parses an Accept-Encoding header and returns the
// preferred encoding among "br" and "gzip" for which a pre-compressed
// sibling file exists (basePath+".br", basePath+".gz"), per spec.md §4.6:
// q-value ordering wins, brotli breaks an exact tie. An absent or
// all-zero-for-both header yields "" (serve uncompressed).
func negotiateEncoding(acceptEncoding, basePath string) string {
	candidates := parseAcceptEncoding(acceptEncoding)

	brQ, haveBr := candidates["br"]
	gzQ, haveGz := candidates["gzip"]

	brOK := haveBr && brQ > 0 && siblingExists(basePath + ".br")
	gzOK := haveGz && gzQ > 0 && siblingExists(basePath + ".gz")

	// "*" covers any encoding not explicitly listed.
	if star, ok := candidates["*"]; ok && star > 0 {
		if !haveBr {
			brOK = siblingExists(basePath + ".br")
			brQ = star
		}

		if !haveGz {
			gzOK = siblingExists(basePath + ".gz")
			gzQ = star
		}
	}

	switch {
	case brOK && gzOK:
		if gzQ > brQ {
			return "gzip"
		}

		return "br" // tie or brotli preferred
	case brOK:
		return "br"
	case gzOK:
		return "gzip"
	default:
		return ""
	}
}

// negotiatePreferred picks the best encoding by q-value alone, ignoring
// whether a precompressed sibling file exists, for the on-the-fly
// compression fallback.
func negotiatePreferred(acceptEncoding string) string {
	candidates := parseAcceptEncoding(acceptEncoding)

	brQ, haveBr := candidates["br"]
	gzQ, haveGz := candidates["gzip"]

	if star, ok := candidates["*"]; ok && star > 0 {
		if !haveBr {
			brQ, haveBr = star, true
		}

		if !haveGz {
			gzQ, haveGz = star, true
		}
	}

	switch {
	case haveBr && brQ > 0 && haveGz && gzQ > 0:
		if gzQ > brQ {
			return "gzip"
		}

		return "br"
	case haveBr && brQ > 0:
		return "br"
	case haveGz && gzQ > 0:
		return "gzip"
	default:
		return ""
	}
}

func siblingExists(path string) bool {
	fi, err := os.Stat(path)

	return err == nil && !fi.IsDir()
}

func parseAcceptEncoding(header string) map[string]float64 {
	out := make(map[string]float64)

	if strings.TrimSpace(header) == "" {
		return out
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0

		for _, p := range strings.Split(params, ";") {
			p = strings.TrimSpace(p)

			key, val, ok := strings.Cut(p, "=")
			if ok && strings.TrimSpace(key) == "q" {
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
					q = parsed
				}
			}
		}

		out[name] = q
	}

	return out
}
