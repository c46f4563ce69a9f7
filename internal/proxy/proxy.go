// Package proxy is the egress listener. Plain HTTP requests are buffered,
// decided, and replayed upstream; CONNECT requests become either a
// transparent tunnel or a locally terminated TLS session whose decrypted
// requests flow through the same decision path.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardgate/wardgate/api"
	"github.com/wardgate/wardgate/internal/approval"
	"github.com/wardgate/wardgate/internal/ca"
	"github.com/wardgate/wardgate/internal/config"
	"github.com/wardgate/wardgate/internal/intercept"
	"github.com/wardgate/wardgate/internal/metrics"
	"github.com/wardgate/wardgate/internal/policy"
)

// DefaultMaxAgentConns caps concurrently open connections per agent,
// independent of the rate limiter's windows.
const DefaultMaxAgentConns = 32

const tlsHandshakeTimeout = 10 * time.Second

// Issuer mints leaf certificates for intercepted domains.
type Issuer interface {
	LeafFor(domain string) (*ca.Leaf, error)
}

// Config collects the proxy server's collaborators. Approvals and Issuer are
// optional; without an issuer every CONNECT is tunneled.
type Config struct {
	Logger      *slog.Logger
	Interceptor *intercept.Interceptor
	Policies    *policy.Store
	Approvals   *approval.Queue
	Issuer      Issuer
	MITMEnabled bool
	MITMFailure config.MITMFailurePolicy
	IdleTimeout time.Duration
	MaxConns    int

	// Dial overrides upstream dialing, used by tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Server is the egress proxy listener.
type Server struct {
	logger      *slog.Logger
	interceptor *intercept.Interceptor
	policies    *policy.Store
	approvals   *approval.Queue
	issuer      Issuer
	mitmEnabled bool
	failure     config.MITMFailurePolicy
	idleTimeout time.Duration
	maxConns    int

	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	transport *http.Transport
	paused    atomic.Bool

	connMu sync.Mutex
	conns  map[string]int
}

// NewServer wires a proxy server from explicit collaborators.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = config.DefaultIdleTimeout
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = DefaultMaxAgentConns
	}
	failure := cfg.MITMFailure
	if failure == "" {
		failure = config.FailOpen
	}
	dial := cfg.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: 15 * time.Second}
		dial = dialer.DialContext
	}

	s := &Server{
		logger:      logger,
		interceptor: cfg.Interceptor,
		policies:    cfg.Policies,
		approvals:   cfg.Approvals,
		issuer:      cfg.Issuer,
		mitmEnabled: cfg.MITMEnabled,
		failure:     failure,
		idleTimeout: idle,
		maxConns:    maxConns,
		dial:        dial,
		conns:       make(map[string]int),
	}
	s.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleConn{Conn: conn, timeout: idle}, nil
		},
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	return s
}

// Pause makes the proxy answer 503 without deciding or forwarding anything.
func (s *Server) Pause() { s.paused.Store(true) }

// Resume re-enables forwarding after Pause.
func (s *Server) Resume() { s.paused.Store(false) }

// Paused reports whether the proxy is currently refusing traffic.
func (s *Server) Paused() bool { return s.paused.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.serveRequest(w, r, nil)
}

// serveRequest handles one plain HTTP request. A non-nil origin pins the
// target scheme and host, used for requests decrypted from a CONNECT session.
func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request, origin *url.URL) {
	if s.paused.Load() {
		writeError(w, http.StatusServiceUnavailable, "proxy_paused", "Proxy is paused.")
		return
	}

	target, err := resolveTarget(r, origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	result, err := s.interceptor.Intercept(r.Context(), intercept.Input{
		Method:  r.Method,
		URL:     target.String(),
		Headers: flattenHeaders(r.Header),
		Body:    body,
	})
	if err != nil {
		s.logger.Error("intercept failed", "url", target.String(), "error", err)
		writeError(w, http.StatusBadGateway, "proxy_error", err.Error())
		return
	}

	action := result.Action
	if action == api.ActionRequireApproval && s.approvals != nil {
		action = s.awaitApproval(r.Context(), result)
	}
	if action != api.ActionAllow {
		writeDecision(w, result)
		return
	}

	agentID := result.Manifest.Who.AgentID
	if !s.acquireConn(agentID) {
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusTooManyRequests, 0)
		writeError(w, http.StatusTooManyRequests, "throttle", "Agent connection limit reached.")
		return
	}
	defer s.releaseConn(agentID)

	s.forward(w, r, result, body)
}

// forward replays the buffered request upstream and finalizes the decision
// from the upstream response.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, result *intercept.Result, body []byte) {
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, result.TargetURL, bytes.NewReader(body))
	if err != nil {
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusBadGateway, 0)
		writeError(w, http.StatusBadGateway, "proxy_error", err.Error())
		return
	}
	copyHeaders(upstream.Header, r.Header)
	upstream.ContentLength = int64(len(body))

	resp, err := s.transport.RoundTrip(upstream)
	if err != nil {
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusBadGateway, 0)
		writeError(w, http.StatusBadGateway, "proxy_error", err.Error())
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	s.interceptor.Finalize(r.Context(), result.RequestID, resp.StatusCode, int(n))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.paused.Load() {
		writeError(w, http.StatusServiceUnavailable, "proxy_paused", "Proxy is paused.")
		return
	}

	host, port, err := splitConnectTarget(r.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	result, err := s.interceptor.Intercept(r.Context(), intercept.Input{
		Method:  http.MethodConnect,
		URL:     fmt.Sprintf("https://%s", addr),
		Headers: flattenHeaders(r.Header),
	})
	if err != nil {
		s.logger.Error("intercept failed", "host", addr, "error", err)
		writeError(w, http.StatusBadGateway, "proxy_error", err.Error())
		return
	}

	action := result.Action
	if action == api.ActionRequireApproval && s.approvals != nil {
		action = s.awaitApproval(r.Context(), result)
	}
	if action != api.ActionAllow {
		writeDecision(w, result)
		return
	}

	agentID := result.Manifest.Who.AgentID
	if !s.acquireConn(agentID) {
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusTooManyRequests, 0)
		writeError(w, http.StatusTooManyRequests, "throttle", "Agent connection limit reached.")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		s.releaseConn(agentID)
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusInternalServerError, 0)
		writeError(w, http.StatusInternalServerError, "proxy_error", "connection does not support hijacking")
		return
	}
	raw, rw, err := hijacker.Hijack()
	if err != nil {
		s.releaseConn(agentID)
		s.interceptor.Finalize(r.Context(), result.RequestID, http.StatusInternalServerError, 0)
		return
	}
	client := &idleConn{Conn: raw, timeout: s.idleTimeout}

	// Rebuild the reader over the deadline-refreshing conn, keeping any
	// bytes the client sent right behind the CONNECT.
	clientReader := bufio.NewReader(client)
	if n := rw.Reader.Buffered(); n > 0 {
		buffered, _ := rw.Reader.Peek(n)
		clientReader = bufio.NewReader(io.MultiReader(bytes.NewReader(append([]byte(nil), buffered...)), client))
	}

	metrics.TunnelOpened()
	defer metrics.TunnelClosed()
	defer s.releaseConn(agentID)

	bypass := s.policies.Merged().Domains.BypassMITM
	if !s.mitmEnabled || s.issuer == nil || ca.ShouldBypassMITM(host, bypass) {
		s.tunnel(client, clientReader, addr, result.RequestID, false)
		return
	}
	s.mitm(client, clientReader, host, port, result.RequestID)
}

// tunnel relays bytes verbatim between client and upstream. When established
// is true the 200 response has already been written to the client.
func (s *Server) tunnel(client net.Conn, clientReader *bufio.Reader, addr, requestID string, established bool) {
	upstream, err := s.dial(context.Background(), "tcp", addr)
	if err != nil {
		s.logger.Warn("upstream connect failed", "addr", addr, "error", err)
		if !established {
			io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		}
		client.Close()
		s.interceptor.Finalize(context.Background(), requestID, http.StatusBadGateway, 0)
		return
	}
	upstream = &idleConn{Conn: upstream, timeout: s.idleTimeout}

	if !established {
		if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			client.Close()
			upstream.Close()
			s.interceptor.Finalize(context.Background(), requestID, http.StatusBadGateway, 0)
			return
		}
	}

	var once sync.Once
	finish := func(status, size int) {
		once.Do(func() {
			client.Close()
			upstream.Close()
			s.interceptor.Finalize(context.Background(), requestID, status, size)
		})
	}

	go func() {
		io.Copy(upstream, clientReader)
		finish(http.StatusOK, 0)
	}()

	n, err := io.Copy(client, upstream)
	if err != nil && n == 0 {
		finish(http.StatusBadGateway, 0)
		return
	}
	finish(http.StatusOK, int(n))
}

// mitm terminates TLS locally with a minted leaf and feeds decrypted requests
// through the plain HTTP path.
func (s *Server) mitm(client net.Conn, clientReader *bufio.Reader, host string, port int, requestID string) {
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		client.Close()
		s.interceptor.Finalize(context.Background(), requestID, http.StatusBadGateway, 0)
		return
	}

	serverName := sniffServerName(clientReader, host)
	leaf, err := s.issuer.LeafFor(serverName)
	if err != nil {
		metrics.MITMFailure()
		s.logger.Warn("leaf certificate unavailable",
			"domain", serverName,
			"failure_policy", string(s.failure),
			"error", err,
		)
		if s.failure == config.FailOpen {
			// Peeked bytes are still buffered, so a tunnel sees the
			// untouched ClientHello.
			s.tunnel(client, clientReader, net.JoinHostPort(host, strconv.Itoa(port)), requestID, true)
			return
		}
		client.Close()
		s.interceptor.Finalize(context.Background(), requestID, http.StatusBadGateway, 0)
		return
	}

	tlsConn := tls.Server(&bufferedConn{Conn: client, reader: clientReader}, &tls.Config{
		Certificates: []tls.Certificate{leaf.Certificate},
	})
	handshakeCtx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
	err = tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		metrics.MITMFailure()
		s.logger.Warn("tls interception handshake failed", "domain", serverName, "error", err)
		tlsConn.Close()
		s.interceptor.Finalize(context.Background(), requestID, http.StatusBadGateway, 0)
		return
	}

	origin := &url.URL{Scheme: "https", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	inner := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.serveRequest(w, r, origin)
		}),
		IdleTimeout: s.idleTimeout,
	}
	inner.Serve(newOneShotListener(tlsConn))
	s.interceptor.Finalize(context.Background(), requestID, http.StatusOK, 0)
}

// sniffServerName peeks the first TLS record for SNI without consuming input.
// The CONNECT host stands in when the hello is absent or unreadable.
func sniffServerName(reader *bufio.Reader, fallback string) string {
	header, err := reader.Peek(5)
	if err != nil || header[0] != 0x16 {
		return fallback
	}
	recordLen := int(header[3])<<8 | int(header[4])
	record, err := reader.Peek(5 + recordLen)
	if err != nil {
		// The hello may exceed the buffer; parse what is available.
		record, _ = reader.Peek(reader.Buffered())
	}
	if name, ok := ca.ParseSNI(record); ok {
		return name
	}
	return fallback
}

func (s *Server) awaitApproval(ctx context.Context, result *intercept.Result) api.Action {
	m := result.Manifest
	action, err := s.approvals.Submit(ctx, approval.Ticket{
		RequestID:   result.RequestID,
		AgentID:     m.Who.AgentID,
		AgentName:   m.Who.AgentName,
		Method:      m.What.Method,
		URL:         m.What.URL,
		Domain:      m.What.Domain,
		Reason:      m.Decision.Reason,
		RuleID:      m.Decision.PolicyRuleID,
		ThreatScore: m.Risk.ThreatScore,
	})
	if err != nil {
		s.logger.Warn("approval wait aborted", "request", result.RequestID, "error", err)
		return api.ActionBlock
	}
	if action == api.ActionAllow {
		s.logger.Info("request approved", "request", result.RequestID, "domain", m.What.Domain)
	}
	return action
}

func (s *Server) acquireConn(agentID string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns[agentID] >= s.maxConns {
		return false
	}
	s.conns[agentID]++
	return true
}

func (s *Server) releaseConn(agentID string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conns[agentID] <= 1 {
		delete(s.conns, agentID)
		return
	}
	s.conns[agentID]--
}

// ListenAndServe runs the proxy until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s,
		IdleTimeout: s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting egress proxy",
		"listen", addr,
		"mitm", s.mitmEnabled,
		"failure_policy", string(s.failure),
	)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// resolveTarget derives the upstream URL from an absolute-form request line,
// a pinned CONNECT origin, or the Host header, in that order.
func resolveTarget(r *http.Request, origin *url.URL) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	if origin != nil {
		target := *r.URL
		target.Scheme = origin.Scheme
		target.Host = origin.Host
		return &target, nil
	}
	if r.Host == "" {
		return nil, errors.New("cannot determine request target")
	}
	target := *r.URL
	target.Scheme = "http"
	target.Host = r.Host
	return &target, nil
}

func splitConnectTarget(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, errors.New("missing CONNECT target")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 443, nil
	}
	if host == "" {
		return "", 0, errors.New("missing CONNECT host")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid CONNECT port %q", portStr)
	}
	return host, port, nil
}

// flattenHeaders folds repeated header lines into one comma-joined value so
// the scanner and the stored record see every value, not just the first.
func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			flat[key] = strings.Join(values, ", ")
		}
	}
	return flat
}

// hopHeaders are dropped when copying between client and upstream.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func writeDecision(w http.ResponseWriter, result *intercept.Result) {
	for key, value := range result.ResponseHeaders {
		w.Header().Set(key, value)
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.ResponseBody)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "reason": reason})
}

// idleConn renews the socket deadline on every read and write so a silent
// connection is eventually cut off while an active one never is.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

// bufferedConn replays bytes already buffered by the hijacked reader before
// reading from the socket.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// oneShotListener yields a single established connection to http.Server and
// then blocks until that connection closes.
type oneShotListener struct {
	conn net.Conn
	done chan struct{}

	mu       sync.Mutex
	accepted bool
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn, done: make(chan struct{})}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted {
		l.accepted = true
		l.mu.Unlock()
		return &trackedConn{Conn: l.conn, listener: l}, nil
	}
	l.mu.Unlock()
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error   { return nil }
func (l *oneShotListener) Addr() net.Addr { return l.conn.LocalAddr() }

type trackedConn struct {
	net.Conn
	listener *oneShotListener
	once     sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.listener.done) })
	return err
}
