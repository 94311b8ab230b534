// Package server accepts QUIC connections and proxies every bidirectional
// stream as one HTTP request/response exchange with the upstream.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"quic-proxy-go/internal/config"
	"quic-proxy-go/internal/metrics"
	"quic-proxy-go/internal/model"
	"quic-proxy-go/internal/proxyerr"
)

// Application error codes sent to peers.
const (
	codeRequestFailed     quic.StreamErrorCode      = 0x1
	codeConnectionRefused quic.ApplicationErrorCode = 0x2
)

// Processor turns one parsed request and its body into a serialized HTTP
// response. *upstream.Upstream implements it. Implementations are shared by
// all streams and must be safe for concurrent use.
type Processor interface {
	ProcessRequest(ctx context.Context, req *model.Request, body []byte) ([]byte, error)
}

// Config is the fully built listener configuration.
type Config struct {
	TLS  *tls.Config
	QUIC *quic.Config

	// StatelessRetry makes every client prove its address with a Retry
	// packet before the server keeps any handshake state.
	StatelessRetry bool

	MaxRequestBytes int64
	MaxHeaders      int
	// ReadTimeout bounds reading one request payload. Zero disables it.
	ReadTimeout time.Duration

	// ConnectionsPerSecond enables admission limiting when positive.
	ConnectionsPerSecond float64
	Burst                int
}

// NewConfig builds the listener configuration from the application config.
// tlsConf must already carry the certificate and ALPN identifiers.
func NewConfig(cfg *config.Config, tlsConf *tls.Config) Config {
	c := Config{
		TLS: tlsConf,
		QUIC: &quic.Config{
			HandshakeIdleTimeout: seconds(cfg.QUIC.HandshakeTimeoutSeconds),
			MaxIdleTimeout:       seconds(cfg.QUIC.MaxIdleTimeoutSeconds),
			MaxIncomingStreams:   cfg.QUIC.MaxIncomingStreams,
			// Every exchange uses a bidirectional stream; refuse unidirectional ones.
			MaxIncomingUniStreams: -1,
			KeepAlivePeriod:       seconds(cfg.QUIC.KeepAliveSeconds),
		},
		StatelessRetry:  cfg.Server.StatelessRetry,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		MaxHeaders:      cfg.Server.MaxHeaders,
		ReadTimeout:     seconds(cfg.Server.ReadTimeoutSeconds),
	}
	if cfg.Server.RateLimit.Enabled {
		c.ConnectionsPerSecond = cfg.Server.RateLimit.ConnectionsPerSecond
		c.Burst = cfg.Server.RateLimit.Burst
	}
	return c
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Server owns the QUIC endpoint. Connection and stream handlers run in the
// server's task group; their failures are logged and never reach Serve.
type Server struct {
	upstream Processor
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter // nil when admission is unlimited

	mu        sync.Mutex
	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.EarlyListener
	serving   chan struct{} // closed when the accept loop exits

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	tasks     sync.WaitGroup
}

// New creates a Server. Listen must be called before Serve.
func New(upstream Processor, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		upstream: upstream,
		cfg:      cfg,
		logger:   logger.With("component", "quic_server"),
		metrics:  m,
	}
	if cfg.ConnectionsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectionsPerSecond), max(1, cfg.Burst))
	}
	return s
}

// Listen binds the UDP socket and starts the QUIC endpoint on it. Bind and
// TLS setup failures are configuration errors.
func (s *Server) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return proxyerr.Wrap("resolve "+addr, proxyerr.ErrConfiguration, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return proxyerr.Wrap("bind "+addr, proxyerr.ErrConfiguration, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	if s.cfg.StatelessRetry {
		tr.VerifySourceAddress = func(net.Addr) bool { return true }
	}

	ln, err := tr.ListenEarly(s.cfg.TLS, s.cfg.QUIC)
	if err != nil {
		_ = tr.Close()
		_ = udpConn.Close()
		return proxyerr.Wrap("start endpoint", proxyerr.ErrConfiguration, err)
	}

	s.mu.Lock()
	s.udpConn = udpConn
	s.transport = tr
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening",
		"addr", udpConn.LocalAddr().String(),
		"stateless_retry", s.cfg.StatelessRetry,
		"max_request_bytes", s.cfg.MaxRequestBytes,
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// Serve accepts connections until ctx is canceled or Close is called, in
// which case it returns nil. Any other accept failure means the endpoint is
// unusable and is returned.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("server: Serve called before Listen")
	}
	done := make(chan struct{})
	s.serving = done
	s.mu.Unlock()
	defer close(done)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				return nil
			}
			return proxyerr.Wrap("accept connection", nil, err)
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.Connections.WithLabelValues(metrics.ConnRejected).Inc()
			s.logger.Warn("connection rejected by rate limiter", "remote_addr", conn.RemoteAddr().String())
			_ = conn.CloseWithError(codeConnectionRefused, "connection rate exceeded")
			continue
		}

		s.tasks.Go(func() { s.serveConnection(conn) })
	}
}

// Close stops accepting, closes the endpoint and every connection on it, and
// waits for all running handlers to return. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		ln, tr, udpConn, serving := s.listener, s.transport, s.udpConn, s.serving
		s.mu.Unlock()

		var errs []error
		if ln != nil {
			errs = append(errs, ln.Close())
		}
		// The accept loop must be gone before the task group is waited on.
		if serving != nil {
			<-serving
		}
		if tr != nil {
			errs = append(errs, tr.Close())
		}
		if udpConn != nil {
			if err := udpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.tasks.Wait()

		s.closeErr = errors.Join(errs...)
		s.logger.Info("server stopped")
	})
	return s.closeErr
}

// Serve binds addr and proxies every stream to upstream until ctx is
// canceled. It returns an error only for bind failures and fatal endpoint
// failures.
func Serve(ctx context.Context, upstream Processor, cfg Config, addr string, logger *slog.Logger) error {
	s := New(upstream, cfg, logger, metrics.New())
	if err := s.Listen(addr); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	serveErr := s.Serve(ctx)
	if err := s.Close(); err != nil && serveErr == nil {
		return fmt.Errorf("close endpoint: %w", err)
	}
	return serveErr
}
