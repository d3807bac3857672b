// Package config provides configuration parsing and environment variable
// handling for the embedded HTTP server.
//
// Loading an actual on-device JSON5 configuration file and wiring it into
// an Options value is the job of the agent shell this package is embedded
// in (out of scope for this module, per spec.md §1). Options is the typed
// destination such a loader populates; Parse additionally knows how to
// populate it directly from flags and environment variables, which is
// enough to run the server standalone and in tests.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TLSOptions holds the TLS configuration for the socket layer (C2).
type TLSOptions struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	CAFile       string
	VerifyPeer   bool
	VerifyIssuer bool
}

// LimitOptions holds the resource limits enumerated in spec.md §6.
type LimitOptions struct {
	HeaderBytes int64 // max total request header bytes (default 10 KB)
	BodyBytes   int64 // max request body bytes for action/raw routes
	UploadBytes int64 // max multipart/raw-PUT body bytes
	URIBytes    int64 // max raw request-target length
	Connections int   // max concurrent connections
	Sessions    int   // max live sessions
}

// TimeoutOptions holds the timeouts enumerated in spec.md §6.
type TimeoutOptions struct {
	Parse      time.Duration // time allowed to read request line + headers
	Inactivity time.Duration // idle time allowed on a keep-alive connection
	Request    time.Duration // total time allowed to produce a response
	Session    time.Duration // session idle timeout
}

// AuthOptions holds the realm and default algorithm used by the
// authentication component (C7) when a route doesn't override them.
type AuthOptions struct {
	Realm     string
	Algorithm string // "MD5" or "SHA-256"
}

// Options holds all configuration for the embedded HTTP server.
type Options struct {
	LogLevel zerolog.Level

	Listen      []string // one or more "host:port" or "tls://host:port" URLs
	Documents   string   // document root for the file handler
	UploadDir   string   // default upload directory

	Auth    AuthOptions
	Limits  LimitOptions
	Timeouts TimeoutOptions
	TLS     TLSOptions

	// Session / cookie settings.
	PersistSessions bool
	SessionPath     string
	SessionDuration time.Duration
	CookieSecure    bool
	CookieSameSite  string // "Strict" or "Lax"
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err),
		}
	}

	return v, nil
}

func envBoolOrDefault(name string, d bool) (bool, error) {
	raw := envStringOrDefault(name, strconv.FormatBool(d))

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as bool: %v", raw, err),
		}
	}

	return v, nil
}

func envInt64OrDefault(name string, d int64) (int64, error) {
	raw := envStringOrDefault(name, strconv.FormatInt(d, 10))

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as int: %v", raw, err),
		}
	}

	return v, nil
}

func envIntOrDefault(name string, d int) (int, error) {
	v, err := envInt64OrDefault(name, int64(d))

	return int(v), err
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return raw, nil
}

// Parse parses command line flags and environment variables into Options.
// It loads from .env/.env.local if present and validates required settings.
func Parse() (*Options, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	documents := envStringOrDefault("DOCUMENT_ROOT", "./public")
	uploadDir := envStringOrDefault("UPLOAD_DIR", "./uploads")
	realm := envStringOrDefault("AUTH_REALM", "emhttpd")
	algorithm := envStringOrDefault("AUTH_ALGORITHM", "SHA-256")

	headerBytes, err := envInt64OrDefault("LIMIT_HEADER_BYTES", 10*1024)
	if err != nil {
		return nil, err
	}

	bodyBytes, err := envInt64OrDefault("LIMIT_BODY_BYTES", 1*1024*1024)
	if err != nil {
		return nil, err
	}

	uploadBytes, err := envInt64OrDefault("LIMIT_UPLOAD_BYTES", 16*1024*1024)
	if err != nil {
		return nil, err
	}

	uriBytes, err := envInt64OrDefault("LIMIT_URI_BYTES", 8*1024)
	if err != nil {
		return nil, err
	}

	maxConnections, err := envIntOrDefault("LIMIT_CONNECTIONS", 64)
	if err != nil {
		return nil, err
	}

	maxSessions, err := envIntOrDefault("LIMIT_SESSIONS", 1024)
	if err != nil {
		return nil, err
	}

	parseTimeout, err := envDurationOrDefault("TIMEOUT_PARSE", 10*time.Second)
	if err != nil {
		return nil, err
	}

	inactivityTimeout, err := envDurationOrDefault("TIMEOUT_INACTIVITY", 60*time.Second)
	if err != nil {
		return nil, err
	}

	requestTimeout, err := envDurationOrDefault("TIMEOUT_REQUEST", 30*time.Second)
	if err != nil {
		return nil, err
	}

	sessionTimeout, err := envDurationOrDefault("TIMEOUT_SESSION", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	persistSessions, err := envBoolOrDefault("PERSIST_SESSIONS", false)
	if err != nil {
		return nil, err
	}

	sessionDuration, err := envDurationOrDefault("SESSION_DURATION", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	cookieSecure, err := envBoolOrDefault("COOKIE_SECURE", true)
	if err != nil {
		return nil, err
	}

	tlsEnabled, err := envBoolOrDefault("TLS_ENABLED", false)
	if err != nil {
		return nil, err
	}

	tlsVerifyPeer, err := envBoolOrDefault("TLS_VERIFY_PEER", true)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")
		fListen = flag.String("listen", envStringOrDefault("LISTEN", ":8080"),
			"Address to listen on, e.g. :8080 or 0.0.0.0:8443.")
		fDocuments = flag.String("documents", documents, "Document root served by the file handler.")
		fUploadDir = flag.String("upload-dir", uploadDir, "Default directory for uploaded files.")
		fRealm     = flag.String("auth-realm", realm, "Realm presented in WWW-Authenticate challenges.")
		fAlgorithm = flag.String("auth-algorithm", algorithm, "Digest algorithm: MD5 or SHA-256.")

		fSessionPath     = flag.String("session-path", envStringOrDefault("SESSION_PATH", "sessions.bbolt"), "Path to the persisted session database.")
		fPersistSessions = flag.Bool("persist-sessions", persistSessions, "Persist sessions to a bbolt database across restarts.")
		fCookieSecure    = flag.Bool("cookie-secure", cookieSecure, "Require HTTPS for session and XSRF cookies.")
		fCookieSameSite  = flag.String("cookie-samesite", envStringOrDefault("COOKIE_SAMESITE", "Strict"), "SameSite attribute: Strict or Lax.")

		fTLSEnabled    = flag.Bool("tls", tlsEnabled, "Enable TLS on the listen socket.")
		fTLSCert       = flag.String("tls-cert", envStringOrDefault("TLS_CERT_FILE", ""), "TLS certificate file.")
		fTLSKey        = flag.String("tls-key", envStringOrDefault("TLS_KEY_FILE", ""), "TLS key file.")
		fTLSCA         = flag.String("tls-ca", envStringOrDefault("TLS_CA_FILE", ""), "TLS client CA file for mTLS.")
		fTLSVerifyPeer = flag.Bool("tls-verify-peer", tlsVerifyPeer, "Verify client certificates (mTLS).")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	if *fAlgorithm != "MD5" && *fAlgorithm != "SHA-256" {
		return nil, ValidationError{Field: "auth-algorithm", Message: "must be MD5 or SHA-256"}
	}

	if *fCookieSameSite != "Strict" && *fCookieSameSite != "Lax" {
		return nil, ValidationError{Field: "cookie-samesite", Message: "must be Strict or Lax"}
	}

	return &Options{
		LogLevel:  logLevel,
		Listen:    []string{*fListen},
		Documents: *fDocuments,
		UploadDir: *fUploadDir,
		Auth: AuthOptions{
			Realm:     *fRealm,
			Algorithm: *fAlgorithm,
		},
		Limits: LimitOptions{
			HeaderBytes: headerBytes,
			BodyBytes:   bodyBytes,
			UploadBytes: uploadBytes,
			URIBytes:    uriBytes,
			Connections: maxConnections,
			Sessions:    maxSessions,
		},
		Timeouts: TimeoutOptions{
			Parse:      parseTimeout,
			Inactivity: inactivityTimeout,
			Request:    requestTimeout,
			Session:    sessionTimeout,
		},
		TLS: TLSOptions{
			Enabled:      *fTLSEnabled,
			CertFile:     *fTLSCert,
			KeyFile:      *fTLSKey,
			CAFile:       *fTLSCA,
			VerifyPeer:   *fTLSVerifyPeer,
			VerifyIssuer: *fTLSVerifyPeer,
		},
		PersistSessions: *fPersistSessions,
		SessionPath:     *fSessionPath,
		SessionDuration: sessionDuration,
		CookieSecure:    *fCookieSecure,
		CookieSameSite:  *fCookieSameSite,
	}, nil
}

// Default returns an Options value with sane defaults and no flag parsing,
// suitable for embedding in tests.
func Default() *Options {
	return &Options{
		LogLevel:  zerolog.InfoLevel,
		Listen:    []string{":8080"},
		Documents: "./public",
		UploadDir: "./uploads",
		Auth:      AuthOptions{Realm: "emhttpd", Algorithm: "SHA-256"},
		Limits: LimitOptions{
			HeaderBytes: 10 * 1024,
			BodyBytes:   1 * 1024 * 1024,
			UploadBytes: 16 * 1024 * 1024,
			URIBytes:    8 * 1024,
			Connections: 64,
			Sessions:    1024,
		},
		Timeouts: TimeoutOptions{
			Parse:      10 * time.Second,
			Inactivity: 60 * time.Second,
			Request:    30 * time.Second,
			Session:    30 * time.Minute,
		},
		SessionDuration: 30 * time.Minute,
		CookieSecure:    true,
		CookieSameSite:  "Strict",
	}
}
