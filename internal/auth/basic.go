package auth

import (
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
)

// BasicChallenge builds the WWW-Authenticate header value for a Basic
// challenge on realm.
func BasicChallenge(realm string) string {
	return `Basic realm="` + strings.ReplaceAll(realm, `"`, `'`) + `"`
}

// CheckBasic validates an "Authorization: Basic ..." header value against
// host's user table. It returns the authenticated user on success, or a
// KindUnauthorized error with the client-safe message spec.md §4.5 requires
// regardless of whether the username existed, the password mismatched, or
// the header was malformed — the caller must not be able to distinguish
// these cases from the response.
func CheckBasic(host *hostconfig.Host, authorization string) (*hostconfig.User, error) {
	const prefix = "Basic "

	if !strings.HasPrefix(authorization, prefix) {
		return nil, errInvalidCredentials()
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorization, prefix))
	if err != nil {
		return nil, errInvalidCredentials()
	}

	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, errInvalidCredentials()
	}

	user, ok := host.User(username)
	if !ok || user.Algorithm != "bcrypt" {
		// Still run a bcrypt comparison against a fixed dummy hash so a
		// nonexistent-username response takes the same time as a
		// wrong-password one (spec.md §4.5 timing-safety requirement).
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(password))

		return nil, errInvalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.StoredPassword), []byte(password)); err != nil {
		return nil, errInvalidCredentials()
	}

	return user, nil
}

func errInvalidCredentials() error {
	return httperr.New(httperr.KindUnauthorized, "invalid credentials")
}

// dummyBcryptHash is a valid bcrypt hash of an arbitrary fixed password,
// used only to equalize comparison cost when no real user exists.
const dummyBcryptHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8Q4M/G8rY7F1Dk2VZ8ybkLUSVkL7.G"
