// Package session implements the session and XSRF component (C13):
// opaque session IDs in an HttpOnly cookie, lazy creation, idle/absolute
// expiry, id rotation on privilege change, and a per-session XSRF token
// enforced on unsafe methods (spec.md §4.11). The backing store is a small
// Storage interface satisfied directly by gofiber/storage/memory and
// gofiber/storage/bbolt with zero Fiber coupling, grounded on the teacher's
// getSessionStorage.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coreiot/emhttpd/internal/httperr"
)

// Storage is the minimal key/value contract a session backing store must
// satisfy. github.com/gofiber/storage/memory and .../bbolt both implement
// this shape already.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
	Close() error
}

// ErrSessionNotFound is returned by Store.Load when id names no live
// session (expired, destroyed, or never issued).
var ErrSessionNotFound = errors.New("session: not found")

// Session is the per-client state addressed by the opaque cookie id
// (spec.md §3).
type Session struct {
	ID         string
	XSRFToken  string
	CreatedAt  time.Time
	LastAccess time.Time
	Variables  map[string]string
}

type record struct {
	XSRFToken  string            `json:"xsrf"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	Variables  map[string]string `json:"variables"`
}

// Store issues, loads, rotates, and destroys sessions against a Storage
// backend, enforcing the idle timeout spec.md §4.11 requires. Host-scoped
// and shared across connection goroutines; the store itself holds no
// in-process map (state lives in Storage), so its mutex guards only the
// live-session counter.
type Store struct {
	backend     Storage
	idleTimeout time.Duration

	mu       sync.Mutex
	liveCnt  int
	maxLive  int
}

// NewStore creates a Store over backend. idleTimeout is both the Storage
// entry expiry and the idle-timeout enforced on Load; maxSessions caps the
// number of concurrently live sessions this store will mint (0 = unlimited,
// matching spec.md §6's Limits.Sessions).
func NewStore(backend Storage, idleTimeout time.Duration, maxSessions int) *Store {
	return &Store{backend: backend, idleTimeout: idleTimeout, maxLive: maxSessions}
}

// ErrTooManySessions is returned by Create when Limits.Sessions is already
// at capacity.
var ErrTooManySessions = errors.New("session: too many live sessions")

// Create mints a new session with fresh 128-bit random id and XSRF token
// (spec.md §3/§4.11), writes it to the backend, and returns it.
func (s *Store) Create() (*Session, error) {
	s.mu.Lock()
	if s.maxLive > 0 && s.liveCnt >= s.maxLive {
		s.mu.Unlock()

		return nil, httperr.Wrap(httperr.KindInternal, "session limit reached", ErrTooManySessions)
	}
	s.liveCnt++
	s.mu.Unlock()

	id, err := randomToken()
	if err != nil {
		return nil, err
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := timeNow()

	sess := &Session{
		ID:         id,
		XSRFToken:  token,
		CreatedAt:  now,
		LastAccess: now,
		Variables:  map[string]string{},
	}

	if err := s.save(sess); err != nil {
		s.mu.Lock()
		s.liveCnt--
		s.mu.Unlock()

		return nil, err
	}

	return sess, nil
}

// Load looks up id, enforcing the idle timeout. An unknown or fixated id —
// one the server never issued — yields ErrSessionNotFound rather than
// attaching a session (spec.md §4.11: "server does not accept fixated
// ids"). LastAccess is bumped and persisted on a successful load.
func (s *Store) Load(id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	raw, err := s.backend.Get(id)
	if err != nil || raw == nil {
		return nil, ErrSessionNotFound
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrSessionNotFound
	}

	now := timeNow()

	if s.idleTimeout > 0 && now.Sub(rec.LastAccess) > s.idleTimeout {
		_ = s.backend.Delete(id)

		return nil, ErrSessionNotFound
	}

	rec.LastAccess = now

	sess := &Session{
		ID:         id,
		XSRFToken:  rec.XSRFToken,
		CreatedAt:  rec.CreatedAt,
		LastAccess: now,
		Variables:  rec.Variables,
	}

	if err := s.save(sess); err != nil {
		return nil, err
	}

	return sess, nil
}

// Rotate issues a new id and XSRF token for sess, destroying the old id, and
// returns the updated session. Callers must do this on privilege change
// (spec.md §3: "id rotated on privilege change").
func (s *Store) Rotate(sess *Session) (*Session, error) {
	newID, err := randomToken()
	if err != nil {
		return nil, err
	}

	newToken, err := randomToken()
	if err != nil {
		return nil, err
	}

	oldID := sess.ID

	sess.ID = newID
	sess.XSRFToken = newToken

	if err := s.save(sess); err != nil {
		return nil, err
	}

	_ = s.backend.Delete(oldID)

	return sess, nil
}

// Stats is a snapshot of a Store's live-session bookkeeping, mirroring
// engine.ConnAdmission's Stats shape for the /debug/sessions endpoint.
type Stats struct {
	Live  int
	Limit int
}

// Stats returns the current live session count and configured cap.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{Live: s.liveCnt, Limit: s.maxLive}
}

// Destroy removes a session (explicit logout, spec.md §3).
func (s *Store) Destroy(id string) error {
	if err := s.backend.Delete(id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.liveCnt > 0 {
		s.liveCnt--
	}
	s.mu.Unlock()

	return nil
}

// Set stores a session variable and persists the session.
func (s *Store) Set(sess *Session, key, value string) error {
	sess.Variables[key] = value

	return s.save(sess)
}

func (s *Store) save(sess *Session) error {
	rec := record{
		XSRFToken:  sess.XSRFToken,
		CreatedAt:  sess.CreatedAt,
		LastAccess: sess.LastAccess,
		Variables:  sess.Variables,
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return httperr.Wrap(httperr.KindInternal, "could not encode session", err)
	}

	if err := s.backend.Set(sess.ID, raw, s.idleTimeout); err != nil {
		return httperr.Wrap(httperr.KindInternal, "could not persist session", err)
	}

	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", httperr.Wrap(httperr.KindInternal, "could not generate random token", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// timeNow is a seam so tests can't flake on wall-clock jitter; production
// always uses time.Now.
var timeNow = time.Now
