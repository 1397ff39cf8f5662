// Package server implements the administrative injection endpoint.
//
// Clients send framed requests carrying a token and a batch of feed
// messages; each batch runs synchronously through the ingestion pipeline
// and the outcomes are written back in order.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Failed Authentication Attempts
// =============================================================================

// RateLimiter counts FAILED token checks per IP address per time window.
// Successful checks are not counted and reset the failure counter.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int
	window   time.Duration
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a limiter that blocks an IP after limit failures
// within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
	}
}

// IsBlocked returns true if the IP has exceeded the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure records a failed token check.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(rl.window)}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// FailureCount returns the current failure count for an IP.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Cleanup drops expired entries.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Injector ingests a batch of messages and returns one outcome per message.
type Injector interface {
	IngestBatch(ctx context.Context, msgs []ingestion.Message) []ingestion.Outcome
}

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "127.0.0.1:9270").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Tokens lists accepted request tokens. At least one is required.
	Tokens []string

	// RatePerSec and Burst limit request frames per connection.
	RatePerSec float64
	Burst      int

	MaxMessageSize   int64
	ReadTimeout      time.Duration
	AuthFailureLimit int
}

// =============================================================================
// Server
// =============================================================================

// Server accepts admin connections.
type Server struct {
	cfg         Config
	inj         Injector
	authLimiter *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a server.
func New(cfg Config, inj Injector) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultAdminListen
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = config.DefaultAdminRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = config.DefaultAdminReadTimeout
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = config.DefaultAuthFailureLimit
	}

	return &Server{
		cfg:         cfg,
		inj:         inj,
		authLimiter: NewRateLimiter(cfg.AuthFailureLimit, time.Minute),
		conns:       make(map[net.Conn]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// Listen binds the listener. Serve calls it when it was not called before.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if len(s.cfg.Tokens) == 0 {
		return errors.NewMissingField("admin.tokens")
	}

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	// Held until the accept loop ends so handler registration never races
	// with Shutdown's Wait.
	s.wg.Add(1)
	defer s.wg.Done()

	s.wg.Add(1)
	go s.cleanupLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdown:
		}
	}()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}

		s.mu.Lock()
		select {
		case <-s.shutdown:
			s.mu.Unlock()
			conn.Close()
			return nil
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and all connections and waits for handlers.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		log.Info("shutdown complete")
	})
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if s.authLimiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed auth attempts", "remote", remote)
		return
	}

	log.Debug("connection from", "remote", remote)

	w := wire.NewConn(conn, s.cfg.MaxMessageSize)
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		req, err := w.Read()
		if err != nil {
			if err != io.EOF {
				log.Debug("read error", "remote", remote, "error", err)
			}
			return
		}

		resp, keep := s.handleRequest(ctx, remoteIP, limiter, req)
		if err := w.Write(resp); err != nil {
			log.Debug("write error", "remote", remote, "error", err)
			return
		}
		if !keep {
			return
		}
	}
}

// handleRequest answers one frame. It reports whether the connection stays
// open.
func (s *Server) handleRequest(ctx context.Context, remoteIP string, limiter *rate.Limiter, req *structpb.Struct) (*structpb.Struct, bool) {
	token := req.GetFields()["token"].GetStringValue()
	if !s.validToken(token) {
		s.authLimiter.RecordFailure(remoteIP)
		log.Warn("auth failed", "remote", remoteIP, "failure_count", s.authLimiter.FailureCount(remoteIP))
		return wire.NewErrorFromErr(errors.ErrInvalidToken), false
	}
	s.authLimiter.Reset(remoteIP)

	if !limiter.Allow() {
		return wire.NewErrorFromErr(fmt.Errorf("admin frames: %w", errors.ErrRateLimited)), true
	}

	_, msgs, err := wire.DecodeRequest(req)
	if err != nil {
		return wire.NewErrorFromErr(err), true
	}

	outcomes := s.inj.IngestBatch(ctx, msgs)
	log.Debug("injected batch", "remote", remoteIP, "messages", len(msgs))
	return wire.EncodeResponse(outcomes), true
}

func (s *Server) validToken(token string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.authLimiter.Cleanup()
		case <-s.shutdown:
			return
		}
	}
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
