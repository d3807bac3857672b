// Package hostconfig holds the process-wide configuration component (C3):
// the route table, MIME map, user/role tables and the resource limits and
// timeouts the rest of the engine enforces. One Host is built once at
// startup and shared read-mostly by every connection goroutine; see
// SPEC_FULL.md §5 for the locking discipline this requires in Go (the
// single-threaded original needed none).
package hostconfig

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreiot/emhttpd/internal/config"
)

// AuthKind identifies which authentication mechanism a route requires.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthBasic
	AuthDigest
	AuthForm
	AuthApp
)

func (k AuthKind) String() string {
	switch k {
	case AuthBasic:
		return "basic"
	case AuthDigest:
		return "digest"
	case AuthForm:
		return "form"
	case AuthApp:
		return "app"
	default:
		return "none"
	}
}

// HandlerKind identifies which subsystem serves a matched route.
type HandlerKind int

const (
	HandlerFile HandlerKind = iota
	HandlerAction
	HandlerUpload
	HandlerSSE
	HandlerWebSocket
	HandlerHealth
	HandlerDebugConnections
	HandlerDebugSessions
)

// CacheVisibility is the cache-control visibility a route's policy sets.
type CacheVisibility int

const (
	CachePublic CacheVisibility = iota
	CachePrivate
	CacheNoCache
	CacheNoStore
)

// CachePolicy is the per-route cache-control policy from spec.md §4.6.
type CachePolicy struct {
	Visibility     CacheVisibility
	MaxAgeSeconds  int
	MustRevalidate bool
}

// Route is a configured match + policy + handler triple (spec.md §3).
// Routes are matched in declaration order; the first match wins.
type Route struct {
	Methods        map[string]bool // nil/empty = any method allowed
	Path           string          // exact path, or prefix when PrefixMatch is true
	PrefixMatch    bool
	Auth           AuthKind
	RequireAbility string // empty = no ability check beyond authentication
	UploadDir      string // overrides Host's default upload directory
	Compress       bool
	Cache          CachePolicy
	Redirect       string
	Handler        HandlerKind
	RequireTLS     bool // basic auth over plaintext must be refused (spec.md §4.5)
	XSRFProtected  bool
}

// Matches reports whether method and the already-normalized path satisfy
// this route. A route matches when its method set includes method (or is
// empty, meaning any method) and the path equals r.Path exactly, or is a
// prefix match ending at a '/' boundary or end-of-string.
func (r *Route) Matches(method, path string) bool {
	if len(r.Methods) > 0 && !r.Methods[method] {
		return false
	}

	if !r.PrefixMatch {
		return path == r.Path
	}

	if !strings.HasPrefix(path, r.Path) {
		return false
	}

	rest := path[len(r.Path):]

	return rest == "" || strings.HasPrefix(rest, "/")
}

// User is a configured account (spec.md §3). StoredPassword holds either a
// bcrypt hash (Basic auth) or the digest precomputed hash
// H(username:realm:password) as lowercase hex (Digest auth), selected by
// Algorithm.
type User struct {
	Username       string
	StoredPassword string
	Algorithm      string // "bcrypt", "MD5", or "SHA-256"
	Role           string

	abilities map[string]bool
}

// HasAbility reports whether the user's transitively-resolved ability set
// contains ability. ResolveRoles must have been called on the owning Host
// first.
func (u *User) HasAbility(ability string) bool {
	return u.abilities[ability]
}

// Role grants a set of abilities, optionally inheriting other roles'
// abilities transitively.
type Role struct {
	Name      string
	Abilities []string
	Inherits  []string
}

// ErrRoleCycle is returned by ResolveRoles when role inheritance forms a cycle.
var ErrRoleCycle = errors.New("hostconfig: cyclic role inheritance")

// Host is the process-wide configuration object (spec.md §3). Zero value is
// not usable; construct with New.
type Host struct {
	mu sync.RWMutex

	routes []Route
	mime   map[string]string // extension (with leading dot) -> content type, case-insensitive key
	users  map[string]*User
	roles  map[string]*Role

	Limits   config.LimitOptions
	Timeouts config.TimeoutOptions

	Documents string
	UploadDir string
	Realm     string
}

// AuthRealm returns the realm presented in WWW-Authenticate challenges.
func (h *Host) AuthRealm() string { return h.Realm }

// New creates a Host from the given options with the default MIME map
// populated.
func New(opts *config.Options) *Host {
	h := &Host{
		mime:      defaultMimeMap(),
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		Limits:    opts.Limits,
		Timeouts:  opts.Timeouts,
		Documents: opts.Documents,
		UploadDir: opts.UploadDir,
		Realm:     opts.Auth.Realm,
	}

	return h
}

// AddRoute appends a route to the ordered route table.
func (h *Host) AddRoute(r Route) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.routes = append(h.routes, r)
}

// Routes returns a snapshot of the ordered route table.
func (h *Host) Routes() []Route {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Route, len(h.routes))
	copy(out, h.routes)

	return out
}

// SetMimeType registers (or overrides) the content type for a file extension.
// ext must include the leading dot, e.g. ".html".
func (h *Host) SetMimeType(ext, contentType string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mime[strings.ToLower(ext)] = contentType
}

// MimeType returns the content type registered for ext, or
// "application/octet-stream" if none is registered.
func (h *Host) MimeType(ext string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ct, ok := h.mime[strings.ToLower(ext)]; ok {
		return ct
	}

	return "application/octet-stream"
}

// AddUser registers a user account. Call ResolveRoles after all users and
// roles have been added.
func (h *Host) AddUser(u *User) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.users[u.Username] = u
}

// User looks up a user by username.
func (h *Host) User(username string) (*User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	u, ok := h.users[username]

	return u, ok
}

// AddRole registers a role. Call ResolveRoles after all roles have been added.
func (h *Host) AddRole(r *Role) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.roles[r.Name] = r
}

// ResolveRoles expands each role's ability set transitively through its
// Inherits chain and attaches the result to every registered user. It must
// be called once after configuration load and before serving requests;
// cyclic inheritance is rejected with ErrRoleCycle, matching spec.md §3's
// invariant that "cycles must be rejected."
func (h *Host) ResolveRoles() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	resolved := make(map[string]map[string]bool, len(h.roles))

	for name := range h.roles {
		if _, err := h.resolveRole(name, resolved, map[string]bool{}); err != nil {
			return err
		}
	}

	for _, u := range h.users {
		if abilities, ok := resolved[u.Role]; ok {
			u.abilities = abilities
		} else {
			u.abilities = map[string]bool{}
		}
	}

	return nil
}

func (h *Host) resolveRole(name string, resolved map[string]map[string]bool, inProgress map[string]bool) (map[string]bool, error) {
	if abilities, ok := resolved[name]; ok {
		return abilities, nil
	}

	if inProgress[name] {
		return nil, fmt.Errorf("%w: role %q", ErrRoleCycle, name)
	}

	role, ok := h.roles[name]
	if !ok {
		return map[string]bool{}, nil
	}

	inProgress[name] = true

	abilities := make(map[string]bool, len(role.Abilities))
	for _, a := range role.Abilities {
		abilities[a] = true
	}

	for _, parent := range role.Inherits {
		parentAbilities, err := h.resolveRole(parent, resolved, inProgress)
		if err != nil {
			return nil, err
		}

		for a := range parentAbilities {
			abilities[a] = true
		}
	}

	delete(inProgress, name)
	resolved[name] = abilities

	return abilities, nil
}

func defaultMimeMap() map[string]string {
	return map[string]string{
		".html": "text/html; charset=utf-8",
		".htm":  "text/html; charset=utf-8",
		".css":  "text/css; charset=utf-8",
		".js":   "application/javascript; charset=utf-8",
		".mjs":  "application/javascript; charset=utf-8",
		".json": "application/json; charset=utf-8",
		".txt":  "text/plain; charset=utf-8",
		".xml":  "application/xml; charset=utf-8",
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".gif":  "image/gif",
		".svg":  "image/svg+xml",
		".ico":  "image/x-icon",
		".woff": "font/woff",
		".woff2": "font/woff2",
		".wasm": "application/wasm",
		".pdf":  "application/pdf",
		".zip":  "application/zip",
	}
}
