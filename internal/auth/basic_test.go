package auth

import (
	"encoding/base64"
	"testing"

	"github.com/coreiot/emhttpd/internal/config"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestHost(t *testing.T) *hostconfig.Host {
	t.Helper()

	h := hostconfig.New(config.Default())
	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	require.NoError(t, err)

	h.AddUser(&hostconfig.User{Username: "alice", StoredPassword: string(hash), Algorithm: "bcrypt"})

	return h
}

func basicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func TestCheckBasic_ValidCredentials(t *testing.T) {
	host := newTestHost(t)

	user, err := CheckBasic(host, basicHeader("alice", "swordfish"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestCheckBasic_WrongPassword(t *testing.T) {
	host := newTestHost(t)

	_, err := CheckBasic(host, basicHeader("alice", "wrong"))
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckBasic_UnknownUser(t *testing.T) {
	host := newTestHost(t)

	_, err := CheckBasic(host, basicHeader("mallory", "swordfish"))
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckBasic_MalformedHeader(t *testing.T) {
	host := newTestHost(t)

	_, err := CheckBasic(host, "Basic not-base64!!!")
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckBasic_WrongScheme(t *testing.T) {
	host := newTestHost(t)

	_, err := CheckBasic(host, "Bearer abc")
	requireKind(t, err, httperr.KindUnauthorized)
}

func requireKind(t *testing.T, err error, kind httperr.Kind) {
	t.Helper()
	require.Error(t, err)

	he, ok := err.(*httperr.Error)
	require.True(t, ok, "expected *httperr.Error, got %T", err)
	assert.Equal(t, kind, he.Kind)
}
