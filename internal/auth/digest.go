package auth

import (
	"context"
	"crypto/md5"  //nolint:gosec // RFC 7616 mandates MD5 as a supported digest algorithm
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
)

// nonceEntry tracks a server-issued nonce's lifetime and replay state.
// highNC is the highest nonce-count value accepted so far; RFC 7616 requires
// the server reject any request whose nc does not strictly increase, which
// is the replay-detection invariant spec.md §4.5 names explicitly.
type nonceEntry struct {
	issuedAt time.Time
	highNC   uint64
}

// NonceStore issues and validates digest-auth nonces. Its background reaper
// goroutine is shaped after the ldap-manager cache manager's Run(ctx)
// pattern: a stop channel, an idempotent Stop, and a ticker-driven sweep —
// here sweeping expired nonces instead of refreshing an LDAP cache.
type NonceStore struct {
	mu       sync.Mutex
	nonces   map[string]*nonceEntry
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewNonceStore creates a NonceStore whose entries expire after ttl. Call
// Run to start the background reaper.
func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &NonceStore{
		nonces: make(map[string]*nonceEntry),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
}

// Run sweeps expired nonces every interval until ctx is cancelled or Stop is
// called.
func (s *NonceStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the reaper goroutine. Safe to call more than once.
func (s *NonceStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *NonceStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for nonce, entry := range s.nonces {
		if now.Sub(entry.issuedAt) > s.ttl {
			delete(s.nonces, nonce)
		}
	}
}

// Issue mints a fresh nonce and registers it for later validation.
func (s *NonceStore) Issue() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	s.mu.Lock()
	s.nonces[nonce] = &nonceEntry{issuedAt: time.Now()}
	s.mu.Unlock()

	return nonce
}

// checkAndAdvance validates that nonce is known, unexpired, and that nc is
// strictly greater than any nc previously accepted for it (or absent, for
// clients that omit nc on a first request). It atomically records nc on
// success so a concurrent replay of the same nc is rejected.
func (s *NonceStore) checkAndAdvance(nonce string, nc uint64, hasNC bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.nonces[nonce]
	if !ok {
		return false
	}

	if time.Since(entry.issuedAt) > s.ttl {
		delete(s.nonces, nonce)

		return false
	}

	if !hasNC {
		return true
	}

	if nc <= entry.highNC {
		return false
	}

	entry.highNC = nc

	return true
}

// digestParams holds the parsed fields of a client's Authorization: Digest
// header (RFC 7616 §3.4).
type digestParams struct {
	username, realm, nonce, uri, response string
	cnonce, qop, nc, opaque, algorithm    string
}

// DigestChallenge builds the WWW-Authenticate header value for a fresh
// Digest challenge. algorithm is "MD5" or "SHA-256"; staleNonce marks the
// challenge as reissued because the client's previous nonce expired.
func DigestChallenge(realm, algorithm, nonce string, staleNonce bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, `Digest realm="%s", qop="auth", algorithm=%s, nonce="%s", opaque="%s"`,
		strings.ReplaceAll(realm, `"`, `'`), algorithm, nonce, nonce)

	if staleNonce {
		b.WriteString(", stale=true")
	}

	return b.String()
}

// CheckDigest validates an "Authorization: Digest ..." header against
// host's user table, per RFC 7616 with support for MD5 and SHA-256.
func CheckDigest(host *hostconfig.Host, store *NonceStore, method, authorization string) (*hostconfig.User, error) {
	params, ok := parseDigestParams(authorization)
	if !ok {
		return nil, errInvalidCredentials()
	}

	user, ok := host.User(params.username)
	if !ok || (user.Algorithm != "MD5" && user.Algorithm != "SHA-256") {
		return nil, errInvalidCredentials()
	}

	if !strings.EqualFold(user.Algorithm, params.algorithm) && params.algorithm != "" {
		return nil, errInvalidCredentials()
	}

	var nc uint64

	hasNC := params.nc != ""
	if hasNC {
		parsed, err := strconv.ParseUint(params.nc, 16, 64)
		if err != nil {
			return nil, errInvalidCredentials()
		}

		nc = parsed
	}

	if !store.checkAndAdvance(params.nonce, nc, hasNC) {
		return nil, httperr.New(httperr.KindUnauthorized, "stale or replayed nonce")
	}

	newHash := newDigestHash(user.Algorithm)

	ha1 := user.StoredPassword // precomputed H(username:realm:password), lowercase hex

	ha2 := hexHash(newHash(), method+":"+params.uri)

	var expected string
	if params.qop == "auth" {
		expected = hexHash(newHash(), strings.Join([]string{ha1, params.nonce, params.nc, params.cnonce, params.qop, ha2}, ":"))
	} else {
		expected = hexHash(newHash(), ha1+":"+params.nonce+":"+ha2)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(params.response)) != 1 {
		return nil, errInvalidCredentials()
	}

	return user, nil
}

func newDigestHash(algorithm string) func() hash.Hash {
	if algorithm == "SHA-256" {
		return sha256.New
	}

	return md5.New //nolint:gosec // RFC 7616 MD5 variant
}

func hexHash(h hash.Hash, s string) string {
	h.Write([]byte(s))

	return hex.EncodeToString(h.Sum(nil))
}

// parseDigestParams parses the comma-separated key="value" (or bare token)
// pairs of a Digest Authorization header.
func parseDigestParams(authorization string) (digestParams, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(authorization, prefix) {
		return digestParams{}, false
	}

	var p digestParams

	for _, field := range splitDigestFields(strings.TrimPrefix(authorization, prefix)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch key {
		case "username":
			p.username = value
		case "realm":
			p.realm = value
		case "nonce":
			p.nonce = value
		case "uri":
			p.uri = value
		case "response":
			p.response = value
		case "cnonce":
			p.cnonce = value
		case "qop":
			p.qop = value
		case "nc":
			p.nc = value
		case "opaque":
			p.opaque = value
		case "algorithm":
			p.algorithm = value
		}
	}

	if p.username == "" || p.nonce == "" || p.response == "" {
		return digestParams{}, false
	}

	return p, true
}

// splitDigestFields splits on commas that are not inside a quoted string.
func splitDigestFields(s string) []string {
	var fields []string

	inQuotes := false
	start := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}

	fields = append(fields, s[start:])

	return fields
}
