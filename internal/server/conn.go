package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"quic-proxy-go/internal/metrics"
	"quic-proxy-go/internal/proxyerr"
)

// noProtocol is logged when the peer negotiated no ALPN identifier.
const noProtocol = "<none>"

// serveConnection runs one connection handler and logs how it ended.
func (s *Server) serveConnection(conn *quic.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("connection handler panicked", "panic", fmt.Sprint(r))
			_ = conn.CloseWithError(0, "internal error")
		}
	}()

	if err := s.handleConnection(conn, logger); err != nil {
		logger.Warn("connection failed", "reason", err)
		return
	}
	logger.Info("connection closed", "cause", context.Cause(conn.Context()))
}

// handleConnection waits for the handshake, then accepts streams until the
// connection goes away. A clean application close returns nil.
func (s *Server) handleConnection(conn *quic.Conn, logger *slog.Logger) error {
	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		s.metrics.Connections.WithLabelValues(metrics.ConnFailed).Inc()
		return proxyerr.Wrap("handshake", proxyerr.ErrConnection, context.Cause(conn.Context()))
	}

	protocol := conn.ConnectionState().TLS.NegotiatedProtocol
	if protocol == "" {
		protocol = noProtocol
	}
	logger.Info("connection established", "protocol", protocol)

	s.metrics.Connections.WithLabelValues(metrics.ConnAccepted).Inc()
	s.metrics.ConnectionsActive.Inc()
	defer s.metrics.ConnectionsActive.Dec()

	return s.acceptStreams(conn.Context(), func(ctx context.Context) (requestStream, error) {
		return conn.AcceptStream(ctx)
	}, logger)
}

// acceptStreams dispatches every accepted stream to its own handler and never
// waits for one before accepting the next.
func (s *Server) acceptStreams(ctx context.Context, accept func(context.Context) (requestStream, error), logger *slog.Logger) error {
	for {
		str, err := accept(ctx)
		if err != nil {
			if s.isCleanClose(err) {
				return nil
			}
			return proxyerr.Wrap("accept stream", proxyerr.ErrConnection, err)
		}
		s.tasks.Go(func() { _ = s.handleRequest(ctx, str, logger) })
	}
}

// isCleanClose reports whether a stream accept error is an application-level
// close by the peer or the result of the server shutting down.
func (s *Server) isCleanClose(err error) bool {
	if s.closing.Load() {
		return true
	}
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote
}
