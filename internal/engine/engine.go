// Package engine implements the connection lifecycle component (C1): the
// accept loop, per-connection goroutine, deadline wiring, and the request
// dispatch loop that ties routing, authentication, and the per-handler-kind
// subsystems together. Grounded on the teacher's internal/web.App.Listen
// lifecycle and internal/ldap.ConnectionPool's admission-control shape.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coreiot/emhttpd/internal/auth"
	"github.com/coreiot/emhttpd/internal/hostconfig"
	"github.com/coreiot/emhttpd/internal/httperr"
	"github.com/coreiot/emhttpd/internal/httpproto"
	"github.com/coreiot/emhttpd/internal/router"
	"github.com/coreiot/emhttpd/internal/session"
	"github.com/coreiot/emhttpd/internal/transport"
)

// HandlerFunc serves one matched, authenticated, authorized request. sess is
// non-nil only when the request carried a valid session cookie. body is the
// unconsumed request body stream (or a replay of it, if the XSRF check
// already drained it to inspect a form field). conn and br are the raw
// connection and its buffered reader, exposed so protocol-upgrading handlers
// (WebSocket, SSE) can take over the socket after writing their initial
// response; handlers that don't upgrade the connection ignore them.
type HandlerFunc func(ctx context.Context, rw *httpproto.ResponseWriter, req *httpproto.Request, route hostconfig.Route, matchedPath string, sess *session.Session, body io.Reader, conn net.Conn, br *bufio.Reader) error

// Server owns the accept loop and per-connection request/response cycle.
type Server struct {
	Host           *hostconfig.Host
	Admission      *ConnAdmission
	NonceStore     *auth.NonceStore
	RateLimiter    *auth.RateLimiter
	SessionStore   *session.Store
	CookieOptions  session.CookieOptions
	Handlers       map[hostconfig.HandlerKind]HandlerFunc
	Logger         zerolog.Logger
	AcquireTimeout time.Duration

	wg sync.WaitGroup
}

// Serve runs the accept loop on ln until ctx is cancelled or Accept fails
// permanently. Each accepted connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()

				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			return err
		}

		if !s.Admission.Acquire(ctx, s.AcquireTimeout) {
			s.rejectOverCapacity(conn)

			continue
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.Admission.Release()

			withRecover(s.Logger, func() { s.serveConn(ctx, conn) })
		}()
	}
}

// Shutdown waits for in-flight connections to drain, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejectOverCapacity writes a bare 503 and drops the connection with
// SetLinger(0), per spec.md §4.12's "per-host connection limit reached ⇒
// 503 or accept-then-close with RST" — this server takes the accept-then-
// 503-then-RST branch.
func (s *Server) rejectOverCapacity(conn net.Conn) {
	defer func() { _ = transport.CloseAbruptly(conn) }()

	bw := bufio.NewWriter(conn)
	rw := httpproto.NewResponseWriter(bw, "HTTP/1.1")
	rw.SetStatus(503)
	rw.SetCloseConnection(true)

	_ = rw.Finalize()
	_ = bw.Flush()
}

const maxKeepAliveRequests = 1000

// authFailureDelay is added before responding to a blocked or failed
// authentication attempt, per spec.md §4.5's "fixed 500 ms sleep ... on
// failure to defeat enumeration/timing". Applied uniformly to every Basic and
// Digest failure regardless of which check failed (blocked, bad credentials,
// unknown user) so the delay itself carries no signal. Session-cookie routes
// do not take this path: a missing or unknown session is answered by
// auth.Authorize without the delay.
const authFailureDelay = 500 * time.Millisecond

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)

	for i := 0; i < maxKeepAliveRequests; i++ {
		if err := transport.SetDeadlines(conn, s.Host.Timeouts.Parse); err != nil {
			return
		}

		bw := bufio.NewWriter(conn)
		rw := httpproto.NewResponseWriter(bw, "HTTP/1.1")

		lastRequest := i == maxKeepAliveRequests-1
		if lastRequest {
			rw.SetCloseConnection(true)
		}

		closeAfter, err := s.serveOne(ctx, conn, br, rw)
		if err != nil {
			s.writeError(rw, err)

			closeAfter = true
		}

		_ = rw.Finalize()

		if flushErr := bw.Flush(); flushErr != nil {
			return
		}

		if closeAfter {
			return
		}
	}
}

// serveOne parses and serves one request, returning whether the connection
// must close after this response.
func (s *Server) serveOne(ctx context.Context, conn net.Conn, br *bufio.Reader, rw *httpproto.ResponseWriter) (closeAfter bool, err error) {
	req, err := httpproto.Parse(br, s.Host.Limits.URIBytes, s.Host.Limits.HeaderBytes)
	if err != nil {
		return true, err
	}

	requestID := uuid.NewString()
	rw.SetHeader("X-Request-ID", requestID)

	if err := transport.SetDeadlines(conn, s.Host.Timeouts.Request); err != nil {
		return true, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.Host.Timeouts.Request)
	defer cancel()

	logger := s.Logger.With().Str("request_id", requestID).Str("method", req.Method).Str("path", req.Path).Logger()
	reqCtx = logger.WithContext(reqCtx)

	result, err := router.Match(s.Host.Routes(), req.Method, req.Path)
	if err != nil {
		return !req.KeepAliveRequested, err
	}

	if result.MethodNotAllowed {
		rw.SetHeader("Allow", joinMethods(result.AllowedMethods))

		return !req.KeepAliveRequested, httperr.New(httperr.KindMethodNotAllowed, "method not allowed")
	}

	if result.IsOptions {
		rw.SetHeader("Allow", joinMethods(result.AllowedMethods))
		rw.SetHeader("Access-Control-Allow-Methods", joinMethods(result.AllowedMethods))
		rw.SetStatus(204)

		return !req.KeepAliveRequested, nil
	}

	route := result.Route

	if route.RequireTLS && route.Auth == hostconfig.AuthBasic {
		if _, isTLS := conn.(*tls.Conn); !isTLS {
			return !req.KeepAliveRequested, httperr.New(httperr.KindForbidden, "TLS required")
		}
	}

	clientAddr := clientHost(conn)

	if route.Auth != hostconfig.AuthNone && s.RateLimiter != nil && s.RateLimiter.IsBlocked(clientAddr) {
		time.Sleep(authFailureDelay)

		return !req.KeepAliveRequested, httperr.New(httperr.KindUnauthorized, "authentication failed")
	}

	user, sess, err := s.authenticate(req, route)
	if err != nil {
		if s.RateLimiter != nil {
			s.RateLimiter.RecordFailure(clientAddr)
		}

		time.Sleep(authFailureDelay)

		if route.Auth == hostconfig.AuthBasic {
			rw.SetHeader("WWW-Authenticate", auth.BasicChallenge(s.Host.AuthRealm()))
		}

		return !req.KeepAliveRequested, httperr.New(httperr.KindUnauthorized, "authentication failed")
	}

	if route.Auth != hostconfig.AuthNone && s.RateLimiter != nil {
		s.RateLimiter.Reset(clientAddr)
	}

	if err := auth.Authorize(&route, user); err != nil {
		return !req.KeepAliveRequested, err
	}

	var body io.Reader = httpproto.NewBodyReader(br, req.Framing, req.ContentLen)

	if session.RequiresCheck(req.Method) && route.XSRFProtected {
		raw, _ := io.ReadAll(io.LimitReader(body, s.Host.Limits.BodyBytes))
		body = bytes.NewReader(raw)

		if err := session.Check(sess, req.Header, req.Header.Get("Content-Type"), raw); err != nil {
			return !req.KeepAliveRequested, err
		}
	}

	handler, ok := s.Handlers[route.Handler]
	if !ok {
		return true, httperr.New(httperr.KindInternal, "no handler registered for route")
	}

	if err := handler(reqCtx, rw, req, route, result.Path, sess, body, conn, br); err != nil {
		return !req.KeepAliveRequested, err
	}

	// A WebSocket or SSE handler consumes the raw socket/stream for the rest
	// of its life; the HTTP keep-alive loop must not try to parse another
	// request off the same connection afterward.
	if route.Handler == hostconfig.HandlerWebSocket || route.Handler == hostconfig.HandlerSSE {
		return true, nil
	}

	return !req.KeepAliveRequested, nil
}

func (s *Server) authenticate(req *httpproto.Request, route hostconfig.Route) (*hostconfig.User, *session.Session, error) {
	switch route.Auth {
	case hostconfig.AuthNone:
		return nil, nil, nil
	case hostconfig.AuthBasic:
		u, err := auth.CheckBasic(s.Host, req.Header.Get("Authorization"))

		return u, nil, err
	case hostconfig.AuthDigest:
		u, err := auth.CheckDigest(s.Host, s.NonceStore, req.Method, req.Header.Get("Authorization"))

		return u, nil, err
	case hostconfig.AuthForm, hostconfig.AuthApp:
		return s.authenticateSession(req)
	default:
		return nil, nil, nil
	}
}

func (s *Server) authenticateSession(req *httpproto.Request) (*hostconfig.User, *session.Session, error) {
	id := session.CookieID(req.Header)
	if id == "" {
		return nil, nil, nil
	}

	sess, err := s.SessionStore.Load(id)
	if err != nil {
		return nil, nil, nil
	}

	username := sess.Variables["username"]
	if username == "" {
		return nil, sess, nil
	}

	user, ok := s.Host.User(username)
	if !ok {
		return nil, sess, nil
	}

	return user, sess, nil
}

func (s *Server) writeError(rw *httpproto.ResponseWriter, err error) {
	var he *httperr.Error
	if !errors.As(err, &he) {
		he = httperr.New(httperr.KindInternal, "internal server error")
	}

	status := he.Kind.Status()
	if status == 0 {
		return
	}

	rw.SetStatus(status)
	rw.SetHeader("Content-Type", "text/plain; charset=utf-8")

	if he.Kind.CloseConnection() {
		rw.SetCloseConnection(true)
	}

	_, _ = rw.Write([]byte(he.Message))

	s.Logger.Debug().Err(err).Int("status", status).Str("request_id", rw.Header.Get("X-Request-ID")).Msg("request failed")
}

// clientHost reduces conn's remote address to its host part, dropping the
// ephemeral port, so RateLimiter keys repeated attempts by client rather than
// by the (different per connection) source port.
func clientHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

func joinMethods(methods []string) string {
	out := ""

	for i, m := range methods {
		if i > 0 {
			out += ", "
		}

		out += m
	}

	return out
}

// DefaultAcquireTimeout is used when config.Options doesn't specify one.
const DefaultAcquireTimeout = 5 * time.Second

// NewServer wires a Server from opts and host, with empty handler/admission
// state the caller fills in before calling Serve.
func NewServer(host *hostconfig.Host, logger zerolog.Logger) *Server {
	return &Server{
		Host:           host,
		Admission:      NewConnAdmission(host.Limits.Connections),
		Handlers:       make(map[hostconfig.HandlerKind]HandlerFunc),
		Logger:         logger,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}
