package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"quic-proxy-go/internal/proxyerr"
	"quic-proxy-go/internal/wire"
)

// ErrRequestTooLarge is returned when a stream carries more than the
// configured maximum request size.
var ErrRequestTooLarge = errors.New("request exceeds maximum size")

// requestStream is the part of *quic.Stream the request handler uses.
type requestStream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
	StreamID() quic.StreamID
	SetReadDeadline(time.Time) error
}

// handleRequest proxies one stream: read the whole payload, parse the head,
// forward it, write the response and finish the send side. On failure nothing
// is written and both directions are reset.
func (s *Server) handleRequest(ctx context.Context, str requestStream, connLogger *slog.Logger) (err error) {
	start := time.Now()
	logger := connLogger.With(
		"stream_id", int64(str.StreamID()),
		"request_id", uuid.NewString(),
	)

	s.metrics.StreamsInFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			err = proxyerr.Wrap("handle request", nil, fmt.Errorf("panic: %v", r))
		}
		s.metrics.StreamsInFlight.Dec()

		outcome := proxyerr.Label(err)
		s.metrics.Streams.WithLabelValues(outcome).Inc()
		s.metrics.StreamDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		if err == nil {
			return
		}
		str.CancelRead(codeRequestFailed)
		str.CancelWrite(codeRequestFailed)
		// Parse and upstream failures were already logged where they happened.
		if k := proxyerr.KindOf(err); k != proxyerr.ErrInvalidRequest && k != proxyerr.ErrRequestFailure {
			logger.Warn("request failed", "reason", err)
		}
	}()

	payload, err := s.readRequest(str)
	if err != nil {
		return err
	}

	req, n, err := wire.ParseRequest(payload, s.cfg.MaxHeaders)
	if err != nil {
		logger.Info("request parse failed", "reason", err, "bytes", len(payload))
		return proxyerr.Wrap("parse request", proxyerr.ErrInvalidRequest, err)
	}

	resp, err := s.upstream.ProcessRequest(ctx, req, payload[n:])
	if err != nil {
		msg := "upstream request failed"
		if errors.Is(err, proxyerr.ErrInvalidRequest) {
			msg = "request rejected"
		}
		logger.Warn(msg,
			"method", req.Method,
			"path", req.Path,
			"reason", err,
		)
		return err
	}

	if _, err := str.Write(resp); err != nil {
		return proxyerr.Wrap("write response", nil, err)
	}
	if err := str.Close(); err != nil {
		return proxyerr.Wrap("finish stream", nil, err)
	}

	logger.Info("request complete",
		"method", req.Method,
		"path", req.Path,
		"status", statusOf(resp),
		"bytes", len(resp),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// readRequest reads the receive side to its end, failing once more than
// MaxRequestBytes have arrived.
func (s *Server) readRequest(str requestStream) ([]byte, error) {
	if s.cfg.ReadTimeout > 0 {
		if err := str.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return nil, proxyerr.Wrap("read request", nil, err)
		}
	}

	limit := s.cfg.MaxRequestBytes
	// One byte past the limit tells "exactly at the limit" from "over it".
	n := limit
	if n < math.MaxInt64 {
		n++
	}
	payload, err := io.ReadAll(io.LimitReader(str, n))
	if err != nil {
		return nil, proxyerr.Wrap("read request", nil, err)
	}
	if int64(len(payload)) > limit {
		return nil, proxyerr.Wrap("read request", nil, fmt.Errorf("%w (%d bytes)", ErrRequestTooLarge, limit))
	}
	return payload, nil
}

// statusOf extracts the status code from a serialized HTTP/1.x response.
func statusOf(resp []byte) string {
	if len(resp) < 12 || !bytes.HasPrefix(resp, []byte("HTTP/1.")) {
		return ""
	}
	return string(resp[9:12])
}
