package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"quic-proxy-go/internal/certs"
	"quic-proxy-go/internal/client"
	"quic-proxy-go/internal/config"
	"quic-proxy-go/internal/handler"
	"quic-proxy-go/internal/metrics"
	"quic-proxy-go/internal/middleware"
	"quic-proxy-go/internal/server"
	"quic-proxy-go/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("quic-proxy"),
		kong.Description("QUIC to HTTP reverse proxy: every bidirectional stream carries one HTTP/1.x request."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			client.NewUpstreamClient,
			newUpstream,
			newCertStore,
			newServer,
			newEcho,
			handler.NewHealthHandler,
		),
		fx.Invoke(warnConfigPermissions, registerAdminRoutes, startCertWatcher, startServer, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newUpstream(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger) (*upstream.Upstream, error) {
	return upstream.New(cfg.Upstream.BaseURL, c, logger)
}

func newCertStore(cfg *config.Config, logger *slog.Logger) (*certs.Store, error) {
	return certs.NewStore(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger)
}

func newServer(cfg *config.Config, store *certs.Store, up *upstream.Upstream, logger *slog.Logger, m *metrics.Metrics) *server.Server {
	return server.New(up, server.NewConfig(cfg, store.TLSConfig(cfg.Server.ALPN)), logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// The admin endpoint only serves small JSON documents and scrapes.
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.SecurityHeaders())

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func registerAdminRoutes(e *echo.Echo, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics) {
	handler.RegisterRoutes(e, cfg, health, m)
}

func startCertWatcher(lc fx.Lifecycle, cfg *config.Config, store *certs.Store, logger *slog.Logger) {
	if !cfg.TLS.Watch {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := store.Watch(ctx); err != nil {
					logger.Error("certificate watcher stopped", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, sd fx.Shutdowner, srv *server.Server, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Listen(cfg.Server.Listen); err != nil {
				return err
			}
			logger.Info("proxying", "upstream", cfg.Upstream.BaseURL, "version", version)
			go func() {
				if err := srv.Serve(ctx); err != nil {
					logger.Error("endpoint failed", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("shutting down server")
			cancel()
			return srv.Close()
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Metrics.Addr, err)
			}
			logger.Info("starting admin server", "addr", cfg.Metrics.Addr, "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
