package router

import (
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
)

// allMethods is the fixed method vocabulary spec.md §4.4 uses to compute the
// Allow / Access-Control-Allow-Methods set on a 405 and to answer OPTIONS.
var allMethods = []string{"DELETE", "GET", "HEAD", "OPTIONS", "POST", "PUT", "TRACE"}

// Result is the outcome of matching a request against a host's route table.
type Result struct {
	Route            hostconfig.Route
	Path             string // normalized path actually matched
	MethodNotAllowed bool
	AllowedMethods   []string // set when MethodNotAllowed or IsOptions
	IsOptions        bool
}

// Match normalizes rawPath, then finds the first route in routes (in
// declaration order) whose path pattern matches. If a route's path matches
// but its method set excludes method, matching continues to look for a
// route that would accept the path under a different method set so the
// computed Allow header reflects the union of methods any matching route
// would accept, per spec.md §4.4.
func Match(routes []hostconfig.Route, method, rawPath string) (Result, error) {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return Result{}, err
	}

	allowed := map[string]bool{}
	pathMatched := false

	for _, route := range routes {
		if !matchesAnyMethod(&route, path) {
			continue
		}

		pathMatched = true

		if route.Matches(method, path) {
			res := Result{Route: route, Path: path, IsOptions: method == "OPTIONS"}

			if res.IsOptions {
				for _, m := range allMethods {
					if len(route.Methods) == 0 || route.Methods[m] {
						res.AllowedMethods = append(res.AllowedMethods, m)
					}
				}
			}

			return res, nil
		}

		for _, m := range allMethods {
			if len(route.Methods) == 0 || route.Methods[m] {
				allowed[m] = true
			}
		}
	}

	if !pathMatched {
		return Result{}, httperr.New(httperr.KindNotFound, "no route matches "+path)
	}

	methods := make([]string, 0, len(allowed))
	for _, m := range allMethods {
		if allowed[m] {
			methods = append(methods, m)
		}
	}

	return Result{Path: path, MethodNotAllowed: true, AllowedMethods: methods}, nil
}

// matchesAnyMethod reports whether path satisfies r's path pattern,
// ignoring r's method restriction entirely.
func matchesAnyMethod(r *hostconfig.Route, path string) bool {
	if !r.PrefixMatch {
		return path == r.Path
	}

	if len(path) < len(r.Path) || path[:len(r.Path)] != r.Path {
		return false
	}

	rest := path[len(r.Path):]

	return rest == "" || rest[0] == '/'
}
