package auth

import (
	"crypto/md5" //nolint:gosec // test builds an RFC 7616 reference response
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/coreiot/emhttpd/internal/config"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

func newDigestHost(t *testing.T, realm string) *hostconfig.Host {
	t.Helper()

	h := hostconfig.New(config.Default())
	ha1 := md5hex("alice:" + realm + ":swordfish")
	h.AddUser(&hostconfig.User{Username: "alice", StoredPassword: ha1, Algorithm: "MD5"})

	return h
}

func buildDigestHeader(username, realm, nonce, uri, method, cnonce, nc, ha1 string) string {
	ha2 := md5hex(method + ":" + uri)
	response := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=auth, nc=%s, cnonce="%s", response="%s", algorithm=MD5`,
		username, realm, nonce, uri, nc, cnonce, response,
	)
}

func TestCheckDigest_ValidResponse(t *testing.T) {
	const realm = "test-realm"

	host := newDigestHost(t, realm)
	store := NewNonceStore(time.Minute)
	nonce := store.Issue()

	ha1 := md5hex("alice:" + realm + ":swordfish")
	header := buildDigestHeader("alice", realm, nonce, "/secret", "GET", "cnonce1", "00000001", ha1)

	user, err := CheckDigest(host, store, "GET", header)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestCheckDigest_ReplayedNCRejected(t *testing.T) {
	const realm = "test-realm"

	host := newDigestHost(t, realm)
	store := NewNonceStore(time.Minute)
	nonce := store.Issue()

	ha1 := md5hex("alice:" + realm + ":swordfish")
	header := buildDigestHeader("alice", realm, nonce, "/secret", "GET", "cnonce1", "00000001", ha1)

	_, err := CheckDigest(host, store, "GET", header)
	require.NoError(t, err)

	_, err = CheckDigest(host, store, "GET", header)
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckDigest_NonIncreasingNCRejected(t *testing.T) {
	const realm = "test-realm"

	host := newDigestHost(t, realm)
	store := NewNonceStore(time.Minute)
	nonce := store.Issue()
	ha1 := md5hex("alice:" + realm + ":swordfish")

	_, err := CheckDigest(host, store, "GET", buildDigestHeader("alice", realm, nonce, "/secret", "GET", "c1", "00000002", ha1))
	require.NoError(t, err)

	_, err = CheckDigest(host, store, "GET", buildDigestHeader("alice", realm, nonce, "/secret", "GET", "c1", "00000001", ha1))
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckDigest_UnknownNonceRejected(t *testing.T) {
	const realm = "test-realm"

	host := newDigestHost(t, realm)
	store := NewNonceStore(time.Minute)
	ha1 := md5hex("alice:" + realm + ":swordfish")

	_, err := CheckDigest(host, store, "GET", buildDigestHeader("alice", realm, "not-issued", "/secret", "GET", "c1", "00000001", ha1))
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestCheckDigest_WrongResponseRejected(t *testing.T) {
	const realm = "test-realm"

	host := newDigestHost(t, realm)
	store := NewNonceStore(time.Minute)
	nonce := store.Issue()

	header := fmt.Sprintf(
		`Digest username="alice", realm="%s", nonce="%s", uri="/secret", qop=auth, nc=00000001, cnonce="c1", response="deadbeef", algorithm=MD5`,
		realm, nonce)

	_, err := CheckDigest(host, store, "GET", header)
	requireKind(t, err, httperr.KindUnauthorized)
}

func TestNonceStore_ExpiredNonceRejected(t *testing.T) {
	store := NewNonceStore(time.Millisecond)
	nonce := store.Issue()

	time.Sleep(5 * time.Millisecond)

	assert.False(t, store.checkAndAdvance(nonce, 1, true))
}
