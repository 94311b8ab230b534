package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"quic-proxy-go/internal/proxyerr"
)

// reloadDebounce coalesces the burst of events produced by editors and
// secret-mount updates into a single reload.
const reloadDebounce = 100 * time.Millisecond

// Store serves the current key pair to the TLS stack and can replace it when
// the files on disk change. Handshakes in progress keep the pair they started with.
type Store struct {
	certPath string
	keyPath  string
	current  atomic.Pointer[tls.Certificate]
	logger   *slog.Logger
}

// NewStore loads the key pair once. A failure is a configuration error.
func NewStore(certPath, keyPath string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger.With("component", "cert_store"),
	}
	if err := s.Reload(); err != nil {
		return nil, proxyerr.Wrap("load certificate", proxyerr.ErrConfiguration, err)
	}
	return s, nil
}

// Reload reads the key pair from disk and swaps it in. On error the previous
// pair stays active.
func (s *Store) Reload() error {
	cert, err := LoadKeyPair(s.certPath, s.keyPath)
	if err != nil {
		return err
	}
	s.current.Store(cert)
	return nil
}

// Certificate returns the active key pair.
func (s *Store) Certificate() *tls.Certificate {
	return s.current.Load()
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.current.Load(), nil
}

// TLSConfig returns a server TLS configuration that advertises the given
// application protocols and reads the key pair from the store on every handshake.
func (s *Store) TLSConfig(alpn []string) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		NextProtos:     alpn,
		GetCertificate: s.GetCertificate,
	}
}

// Watch reloads the key pair whenever either file is written, created, renamed
// or removed, until ctx is canceled. The parent directories are watched so
// that atomic replacements (rename over, symlink swap) are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]bool{
		filepath.Dir(s.certPath): true,
		filepath.Dir(s.keyPath):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.logger.Info("certificate watcher started",
		"cert", s.certPath,
		"key", s.keyPath,
	)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !s.relevant(event) {
				continue
			}
			s.logger.Debug("certificate file event", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("certificate reload failed; keeping previous key pair", "err", err)
				continue
			}
			s.logger.Info("certificate reloaded", "not_after", s.Certificate().Leaf.NotAfter)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.logger.Warn("certificate watcher error", "err", err)
		}
	}
}

func (s *Store) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(s.certPath) || name == filepath.Clean(s.keyPath)
}
