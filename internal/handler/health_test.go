package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"quic-proxy-go/internal/certs"
	"quic-proxy-go/internal/config"
)

func newTestStore(t *testing.T) *certs.Store {
	t.Helper()
	pair, err := certs.GenerateSelfSigned([]string{"localhost"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned() error = %v", err)
	}
	certPath, keyPath, err := pair.Write(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	store, err := certs.NewStore(certPath, keyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", newTestStore(t))
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Server:   config.ServerConfig{Listen: "0.0.0.0:4433"},
		Upstream: config.UpstreamConfig{BaseURL: "http://localhost:5000"},
	}
	store := newTestStore(t)
	h := NewHealthHandler(cfg, "1.2.3", store)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	wantNotAfter := store.Certificate().Leaf.NotAfter.UTC().Format(time.RFC3339)
	want := map[string]string{
		"status":         "ok",
		"version":        "1.2.3",
		"upstream_url":   "http://localhost:5000",
		"listen":         "0.0.0.0:4433",
		"cert_not_after": wantNotAfter,
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("body.%s = %q, want %q", k, body[k], v)
		}
	}
}
