// Package main provides the entry point for the emhttpd embedded HTTP
// server.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/storage/bbolt/v2"
	"github.com/gofiber/storage/memory/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreiot/emhttpd/internal/action"
	"github.com/coreiot/emhttpd/internal/auth"
	"github.com/coreiot/emhttpd/internal/config"
	"github.com/coreiot/emhttpd/internal/engine"
	"github.com/coreiot/emhttpd/internal/fileserver"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/coreiot/emhttpd/internal/session"
	"github.com/coreiot/emhttpd/internal/sse"
	"github.com/coreiot/emhttpd/internal/transport"
	"github.com/coreiot/emhttpd/internal/upload"
	"github.com/coreiot/emhttpd/internal/version"
	"github.com/coreiot/emhttpd/internal/wsocket"
)

const (
	shutdownTimeout     = 30 * time.Second
	healthCheckTimeout  = 3 * time.Second
	healthCheckEndpoint = "http://localhost:8080/health/live"
)

func main() {
	if len(os.Args) == 2 && os.Args[1] == "--health-check" {
		os.Exit(runHealthCheck())
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().Msgf("emhttpd %s starting...", version.FormatVersion())

	opts, err := config.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	host := hostconfig.New(opts)
	registerDefaultRoutes(host)

	if err := host.ResolveRoles(); err != nil {
		log.Fatal().Err(err).Msg("failed to resolve roles")
	}

	srv := buildServer(host, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)

	go func() {
		if err := listenAndServe(ctx, srv, opts); err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}

	log.Info().Msg("graceful shutdown complete")
}

func listenAndServe(ctx context.Context, srv *engine.Server, opts *config.Options) error {
	var tlsConfig *tls.Config

	if opts.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(opts.TLS.CertFile, opts.TLS.KeyFile)
		if err != nil {
			return err
		}

		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, len(opts.Listen))

	for _, raw := range opts.Listen {
		spec, err := transport.ParseURL(raw)
		if err != nil {
			return err
		}

		ln, err := transport.Listen(spec, tlsConfig)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.Serve(ctx, ln); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// buildServer wires host configuration, the session/nonce/rate-limit
// subsystems, and every handler kind into a ready-to-serve engine.Server.
func buildServer(host *hostconfig.Host, opts *config.Options) *engine.Server {
	logger := log.Logger

	srv := engine.NewServer(host, logger)
	srv.NonceStore = auth.NewNonceStore(5 * time.Minute)
	srv.RateLimiter = auth.NewRateLimiter(auth.DefaultRateLimiterConfig())
	srv.SessionStore = session.NewStore(sessionStorage(opts), host.Timeouts.Session, host.Limits.Sessions)
	srv.CookieOptions = session.CookieOptions{
		Secure:     opts.CookieSecure,
		SameSite:   opts.CookieSameSite,
		MaxAgeSecs: int(host.Timeouts.Session.Seconds()),
	}

	registry := action.NewRegistry()
	registerBuiltinActions(registry)

	srv.Handlers[hostconfig.HandlerFile] = fileHandler(host)
	srv.Handlers[hostconfig.HandlerAction] = actionHandler(registry)
	srv.Handlers[hostconfig.HandlerUpload] = uploadHandler(host)
	srv.Handlers[hostconfig.HandlerSSE] = sseHandler()
	srv.Handlers[hostconfig.HandlerWebSocket] = websocketHandler(host.Timeouts.Inactivity)
	srv.Handlers[hostconfig.HandlerHealth] = healthHandler()
	srv.Handlers[hostconfig.HandlerDebugConnections] = debugConnectionsHandler(srv.Admission)
	srv.Handlers[hostconfig.HandlerDebugSessions] = debugSessionsHandler(srv.SessionStore)

	return srv
}

func sessionStorage(opts *config.Options) session.Storage {
	if opts.PersistSessions {
		return bbolt.New(bbolt.Config{Database: opts.SessionPath, Bucket: "sessions", Reset: false})
	}

	return memory.New()
}

func registerDefaultRoutes(host *hostconfig.Host) {
	host.AddRoute(hostconfig.Route{
		Path: "/ws", Handler: hostconfig.HandlerWebSocket, Auth: hostconfig.AuthNone,
		Methods: map[string]bool{"GET": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/events", Handler: hostconfig.HandlerSSE, Auth: hostconfig.AuthNone,
		Methods: map[string]bool{"GET": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/upload", PrefixMatch: true, Handler: hostconfig.HandlerUpload, Auth: hostconfig.AuthNone,
		Methods: map[string]bool{"POST": true, "PUT": true, "DELETE": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/api", PrefixMatch: true, Handler: hostconfig.HandlerAction, Auth: hostconfig.AuthNone,
		Methods: map[string]bool{"POST": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/health/live", Handler: hostconfig.HandlerHealth, Auth: hostconfig.AuthNone,
		Methods: map[string]bool{"GET": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/debug/connections", Handler: hostconfig.HandlerDebugConnections, Auth: hostconfig.AuthBasic,
		Methods: map[string]bool{"GET": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/debug/sessions", Handler: hostconfig.HandlerDebugSessions, Auth: hostconfig.AuthBasic,
		Methods: map[string]bool{"GET": true},
	})
	host.AddRoute(hostconfig.Route{
		Path: "/", PrefixMatch: true, Handler: hostconfig.HandlerFile, Auth: hostconfig.AuthNone,
		Compress: true,
	})
}

func registerBuiltinActions(registry *action.Registry) {
	registry.Register("/api/echo", action.Action{
		Handler: func(_ context.Context, body map[string]any) (any, error) {
			return body, nil
		},
	})
}

func fileHandler(host *hostconfig.Host) engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, route hostconfig.Route, matchedPath string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		return fileserver.Serve(rw, req, host, route, matchedPath, fileserver.DefaultOptions())
	}
}

func actionHandler(registry *action.Registry) engine.HandlerFunc {
	return func(ctx context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, _ hostconfig.Route, matchedPath string, _ *session.Session, body io.Reader, _ net.Conn, _ *bufio.Reader) error {
		a, ok := registry.Lookup(matchedPath)
		if !ok {
			rw.SetStatus(http.StatusNotFound)

			return nil
		}

		raw, err := io.ReadAll(body)
		if err != nil {
			return err
		}

		out, err := action.Dispatch(ctx, a, raw)
		if err != nil {
			return err
		}

		rw.SetHeader("Content-Type", "application/json")
		_, err = rw.Write(out)

		return err
	}
}

func uploadHandler(host *hostconfig.Host) engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, route hostconfig.Route, matchedPath string, _ *session.Session, body io.Reader, _ net.Conn, _ *bufio.Reader) error {
		dir := host.UploadDir
		if route.UploadDir != "" {
			dir = route.UploadDir
		}

		segment := matchedPath[len(route.Path):]

		switch req.Method {
		case "PUT":
			status, err := upload.PutFile(body, dir, segment, host.Limits.UploadBytes)
			if err != nil {
				return err
			}

			rw.SetStatus(status)

			return nil
		case "DELETE":
			if err := upload.DeleteFile(dir, segment); err != nil {
				return err
			}

			rw.SetStatus(http.StatusNoContent)

			return nil
		case "POST":
			raw, err := io.ReadAll(body)
			if err != nil {
				return err
			}

			results, _, err := upload.ParseMultipart(bytes.NewReader(raw), req.Header.Get("Content-Type"), dir, host.Limits.UploadBytes)
			if err != nil {
				return err
			}

			rw.SetHeader("Content-Type", "application/json")
			rw.SetStatus(http.StatusOK)

			for _, f := range results {
				_, _ = rw.Write([]byte(f.Filename + "\n"))
			}

			return nil
		default:
			rw.SetStatus(http.StatusMethodNotAllowed)

			return nil
		}
	}
}

func sseHandler() engine.HandlerFunc {
	return func(ctx context.Context, rw *httpproto.ResponseWriter, _ *httpproto.Request, _ hostconfig.Route, _ string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		stream, err := sse.Open(rw)
		if err != nil {
			return err
		}
		defer stream.Close()

		return stream.KeepAlive(ctx, 15*time.Second)
	}
}

// maxWebSocketMessageBytes caps one reassembled WebSocket message, mirroring
// the body-size ceiling the rest of this server enforces per request.
const maxWebSocketMessageBytes = 1 << 20

func websocketHandler(idleTimeout time.Duration) engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, _ hostconfig.Route, _ string, _ *session.Session, _ io.Reader, conn net.Conn, br *bufio.Reader) error {
		handshake := wsocket.ParseHandshakeRequest(req)

		key, err := handshake.Validate()
		if err != nil {
			return err
		}

		if err := wsocket.WriteHandshakeResponse(rw, key, ""); err != nil {
			return err
		}

		if err := rw.Flush(); err != nil {
			return err
		}

		return runWebSocketLoop(conn, br, rw, idleTimeout)
	}
}

// runWebSocketLoop owns the connection once the handshake completes: it
// reads frames, reassembles fragmented messages, answers pings, echoes
// completed data messages back to the client, and performs the RFC 6455
// close handshake on a protocol violation or a client-initiated close.
func runWebSocketLoop(conn net.Conn, br *bufio.Reader, rw *httpproto.ResponseWriter, idleTimeout time.Duration) error {
	reassembler := wsocket.NewReassembler(maxWebSocketMessageBytes)

	for {
		if err := transport.SetDeadlines(conn, idleTimeout); err != nil {
			return err
		}

		frame, err := wsocket.ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			_ = wsocket.WriteClose(rw, wsocket.CloseProtocolError, "")
			_ = rw.Flush()

			return err
		}

		switch frame.Opcode {
		case wsocket.OpPing:
			if err := wsocket.WriteFrame(rw, true, wsocket.OpPong, frame.Payload); err != nil {
				return err
			}

			if err := rw.Flush(); err != nil {
				return err
			}

			continue
		case wsocket.OpPong:
			continue
		case wsocket.OpClose:
			_ = wsocket.WriteClose(rw, wsocket.CloseNormal, "")

			return rw.Flush()
		}

		opcode, payload, done, err := reassembler.Add(frame)
		if err != nil {
			code := wsocket.CloseProtocolError

			switch {
			case errors.Is(err, wsocket.ErrMessageTooBig):
				code = wsocket.CloseMessageTooBig
			case errors.Is(err, wsocket.ErrInvalidUTF8):
				code = wsocket.CloseInvalidPayload
			}

			_ = wsocket.WriteClose(rw, code, "")
			_ = rw.Flush()

			return err
		}

		if !done {
			continue
		}

		if err := wsocket.WriteFrame(rw, true, opcode, payload); err != nil {
			return err
		}

		if err := rw.Flush(); err != nil {
			return err
		}
	}
}

// healthHandler backs /health/live, the Kubernetes-style liveness probe the
// --health-check subcommand polls, grounded on the teacher's livenessHandler.
func healthHandler() engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, _ *httpproto.Request, _ hostconfig.Route, _ string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		return writeJSON(rw, map[string]any{"status": "alive"})
	}
}

// debugConnectionsHandler backs /debug/connections, exposing
// engine.ConnAdmission's counters the way the teacher's /debug/ldap-pool
// exposes its connection pool's.
func debugConnectionsHandler(admission *engine.ConnAdmission) engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, _ *httpproto.Request, _ hostconfig.Route, _ string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		stats := admission.Stats()

		return writeJSON(rw, map[string]any{
			"active":   stats.Active,
			"limit":    stats.Limit,
			"rejected": stats.Rejected,
		})
	}
}

// debugSessionsHandler backs /debug/sessions, exposing session.Store's live
// count the way the teacher's /debug/cache exposes its cache's.
func debugSessionsHandler(store *session.Store) engine.HandlerFunc {
	return func(_ context.Context, rw *httpproto.ResponseWriter, _ *httpproto.Request, _ hostconfig.Route, _ string, _ *session.Session, _ io.Reader, _ net.Conn, _ *bufio.Reader) error {
		stats := store.Stats()

		return writeJSON(rw, map[string]any{
			"live":  stats.Live,
			"limit": stats.Limit,
		})
	}
}

func writeJSON(rw *httpproto.ResponseWriter, v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}

	rw.SetHeader("Content-Type", "application/json")
	_, err = rw.Write(out)

	return err
}

func runHealthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthCheckEndpoint, nil)
	if err != nil {
		return 1
	}

	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return 0
	}

	return 1
}
