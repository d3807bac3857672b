package auth

import (
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
)

// Authorize checks that user (already authenticated, or nil if the route
// requires no authentication) is permitted to proceed for route. A missing
// user on a route that requires one is a 401 (authenticate); an
// authenticated user lacking the required ability is a 403 (forbidden) —
// spec.md §4.5's distinction between "who are you" and "are you allowed."
func Authorize(route *hostconfig.Route, user *hostconfig.User) error {
	if route.Auth == hostconfig.AuthNone {
		return nil
	}

	if user == nil {
		return httperr.New(httperr.KindUnauthorized, "authentication required")
	}

	if route.RequireAbility != "" && !user.HasAbility(route.RequireAbility) {
		return httperr.New(httperr.KindForbidden, "insufficient privileges")
	}

	return nil
}
