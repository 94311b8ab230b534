package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"quic-proxy-go/internal/client"
	"quic-proxy-go/internal/config"
	"quic-proxy-go/internal/model"
	"quic-proxy-go/internal/proxyerr"
)

// doerFunc adapts a function to the Doer interface.
type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHTTPClient() *client.UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
	}
	return client.NewUpstreamClient(cfg, discardLogger(), nil)
}

// failingDoer fails the test if any request reaches it.
func failingDoer(t *testing.T) Doer {
	return doerFunc(func(req *http.Request) (*http.Response, error) {
		t.Errorf("unexpected upstream call: %s %s", req.Method, req.URL)
		return nil, errors.New("unexpected call")
	})
}

func TestNew_InvalidBaseURI(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/api"},
		{"host and port only", "localhost:5000"},
		{"relative path", "/api"},
		{"unsupported scheme", "ftp://example.com"},
		{"missing host", "http://"},
		{"bad escape", "http://example.com/%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := New(tt.uri, failingDoer(t), discardLogger())
			if err == nil {
				t.Fatalf("New(%q) = %v, want error", tt.uri, u)
			}
			if !errors.Is(err, proxyerr.ErrConfiguration) {
				t.Errorf("New(%q) error = %v, want ErrConfiguration", tt.uri, err)
			}
		})
	}
}

func TestBuildUpstreamRequest(t *testing.T) {
	u, err := New("http://up:9000", failingDoer(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := &model.Request{
		Method: "GET",
		Path:   "/items/42",
		Headers: []model.Header{
			{Name: "Accept", Value: []byte("application/json")},
			{Name: "Host", Value: []byte("proxy.example")},
			{Name: "Connection", Value: []byte("keep-alive")},
			{Name: "Content-Length", Value: []byte("999")},
			{Name: "X-Trace", Value: []byte("a")},
			{Name: "x-trace", Value: []byte("b")},
		},
	}

	out, err := u.buildUpstreamRequest(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("buildUpstreamRequest() error = %v", err)
	}

	if got := out.URL.String(); got != "http://up:9000/items/42" {
		t.Errorf("URL = %q, want %q", got, "http://up:9000/items/42")
	}
	if out.Method != http.MethodGet {
		t.Errorf("Method = %q, want %q", out.Method, http.MethodGet)
	}
	if out.ContentLength != 0 {
		t.Errorf("ContentLength = %d, want 0", out.ContentLength)
	}

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Accept", 1},
		{"X-Trace", 2},
		{"Host", 0},
		{"Connection", 0},
		{"Content-Length", 0},
	}
	for _, tt := range tests {
		if got := len(out.Header.Values(tt.key)); got != tt.wantLen {
			t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
		}
	}
}

func TestBuildUpstreamRequest_PathConcatenation(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"http://up:9000", "/items/42", "http://up:9000/items/42"},
		{"http://up:9000/api", "/items?id=7", "http://up:9000/api/items?id=7"},
		{"https://origin.example", "/", "https://origin.example/"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			u, err := New(tt.base, failingDoer(t), discardLogger())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			out, err := u.buildUpstreamRequest(context.Background(), &model.Request{Method: "GET", Path: tt.path}, nil)
			if err != nil {
				t.Fatalf("buildUpstreamRequest() error = %v", err)
			}
			if got := out.URL.String(); got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamRequest_RejectsNonOriginForm(t *testing.T) {
	u, err := New("http://up:9000", failingDoer(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, path := range []string{
		"@evil.example/x",
		"evil.example/x",
		":9001/x",
		"*",
		"http://evil.example/x",
	} {
		t.Run(path, func(t *testing.T) {
			out, err := u.buildUpstreamRequest(context.Background(), &model.Request{Method: "GET", Path: path}, nil)
			if !errors.Is(err, proxyerr.ErrInvalidRequest) {
				t.Fatalf("buildUpstreamRequest(%q) = %v, %v; want ErrInvalidRequest", path, out, err)
			}
		})
	}
}

func TestProcessRequest_StaysOnConfiguredOrigin(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request reached a foreign origin: %s %s", r.Method, r.URL)
	}))
	defer other.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to the configured origin: %s", r.URL)
	}))
	defer origin.Close()

	u, err := New(origin.URL, newHTTPClient(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := "@" + strings.TrimPrefix(other.URL, "http://") + "/secret"
	_, err = u.ProcessRequest(context.Background(), &model.Request{Method: "GET", Path: target}, nil)
	if !errors.Is(err, proxyerr.ErrInvalidRequest) {
		t.Fatalf("ProcessRequest(%q) error = %v, want ErrInvalidRequest", target, err)
	}
}

func TestForwardHeaders_ConnectionTokens(t *testing.T) {
	got := forwardHeaders([]model.Header{
		{Name: "Connection", Value: []byte("X-Session, keep-alive")},
		{Name: "Connection", Value: []byte(" x-debug ")},
		{Name: "X-Session", Value: []byte("abc")},
		{Name: "X-Debug", Value: []byte("1")},
		{Name: "Keep-Alive", Value: []byte("timeout=5")},
		{Name: "X-Keep", Value: []byte("yes")},
	})

	for _, name := range []string{"Connection", "X-Session", "X-Debug", "Keep-Alive"} {
		if v := got.Values(name); len(v) != 0 {
			t.Errorf("header %q forwarded as %v, want dropped", name, v)
		}
	}
	if v := got.Get("X-Keep"); v != "yes" {
		t.Errorf("X-Keep = %q, want %q", v, "yes")
	}
}

func TestProcessRequest_MissingMethodOrPath(t *testing.T) {
	u, err := New("http://up:9000", failingDoer(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, req := range []*model.Request{
		{Method: "", Path: "/x"},
		{Method: "GET", Path: ""},
	} {
		_, err := u.ProcessRequest(context.Background(), req, nil)
		if !errors.Is(err, proxyerr.ErrInvalidRequest) {
			t.Errorf("ProcessRequest(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestProcessRequest_InvalidMethod(t *testing.T) {
	u, err := New("http://up:9000", failingDoer(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = u.ProcessRequest(context.Background(), &model.Request{Method: "BAD METHOD", Path: "/"}, nil)
	if err == nil {
		t.Fatal("ProcessRequest() expected construction error, got nil")
	}
	if proxyerr.KindOf(err) != nil {
		t.Errorf("KindOf(%v) = %v, want no kind for a construction error", err, proxyerr.KindOf(err))
	}
}

func TestProcessRequest_ForwardsMethodPathAndBody(t *testing.T) {
	var gotMethod, gotURI, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.RequestURI
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u, err := New(srv.URL, newHTTPClient(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := &model.Request{Method: "POST", Path: "/items?draft=1"}
	resp, err := u.ProcessRequest(context.Background(), req, []byte(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}

	if gotMethod != "POST" {
		t.Errorf("upstream method = %q, want %q", gotMethod, "POST")
	}
	if gotURI != "/items?draft=1" {
		t.Errorf("upstream URI = %q, want %q", gotURI, "/items?draft=1")
	}
	if gotBody != `{"name":"x"}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"name":"x"}`)
	}
	if !bytes.HasPrefix(resp, []byte("HTTP/1.1 201 Created\r\n")) {
		t.Errorf("response = %q, want 201 status line", resp)
	}
}

func TestProcessRequest_ChunkedResponseRoundTrip(t *testing.T) {
	const date = "Mon, 01 Jan 2025 00:00:00 GMT"
	chunks := []string{"first chunk;", "second chunk;", strings.Repeat("z", 8192)}
	body := strings.Join(chunks, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Date", date)
		w.Header().Set("X-Test", "a")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	u, err := New(srv.URL, newHTTPClient(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := u.ProcessRequest(context.Background(), &model.Request{Method: "GET", Path: "/stream"}, nil)
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}

	want := "HTTP/1.1 200 OK\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"Content-Type: text/plain\r\n" +
		"Date: " + date + "\r\n" +
		"X-Test: a\r\n" +
		"\r\n" + body
	if string(got) != want {
		t.Errorf("response mismatch:\n got %q\nwant %q", truncate(got), truncate([]byte(want)))
	}

	// The buffer must also be a well-formed HTTP/1.1 response.
	parsed, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(got)), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	gotBody, _ := io.ReadAll(parsed.Body)
	if string(gotBody) != body {
		t.Errorf("parsed body length = %d, want %d", len(gotBody), len(body))
	}
}

func TestProcessRequest_UpstreamUnreachable(t *testing.T) {
	u, err := New("http://127.0.0.1:1", newHTTPClient(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = u.ProcessRequest(context.Background(), &model.Request{Method: "GET", Path: "/"}, nil)
	if !errors.Is(err, proxyerr.ErrRequestFailure) {
		t.Errorf("ProcessRequest() error = %v, want ErrRequestFailure", err)
	}
}

func TestProcessRequest_BodyReadFailure(t *testing.T) {
	d := doerFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), iotestErrReader{})),
			Request:    req,
		}, nil
	})

	u, err := New("http://up:9000", d, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = u.ProcessRequest(context.Background(), &model.Request{Method: "GET", Path: "/"}, nil)
	if !errors.Is(err, proxyerr.ErrRequestFailure) {
		t.Errorf("ProcessRequest() error = %v, want ErrRequestFailure", err)
	}
}

func TestProcessRequest_AtMostOneCall(t *testing.T) {
	var calls atomic.Int32
	d := doerFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})

	u, err := New("http://up:9000", d, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := u.ProcessRequest(context.Background(), &model.Request{Method: "GET", Path: "/"}, nil); err == nil {
		t.Fatal("ProcessRequest() expected error, got nil")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retries)", n)
	}
}

func TestNew_IdempotentConstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", "Mon, 01 Jan 2025 00:00:00 GMT")
		_, _ = io.WriteString(w, "path="+r.URL.Path)
	}))
	defer srv.Close()

	c := newHTTPClient()
	a, errA := New(srv.URL, c, discardLogger())
	b, errB := New(srv.URL, c, discardLogger())
	if errA != nil || errB != nil {
		t.Fatalf("New() errors = %v, %v", errA, errB)
	}

	req := &model.Request{Method: "GET", Path: "/same"}
	ra, err := a.ProcessRequest(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("a.ProcessRequest() error = %v", err)
	}
	rb, err := b.ProcessRequest(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("b.ProcessRequest() error = %v", err)
	}
	if !bytes.Equal(ra, rb) {
		t.Errorf("responses differ:\n a %q\n b %q", ra, rb)
	}
}

func TestSerializeResponse_HeadKeepsLength(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		ProtoMajor:    2,
		Header:        http.Header{"Content-Type": {"text/html"}, "Connection": {"close"}},
		ContentLength: 1234,
		Request:       &http.Request{Method: http.MethodHead},
	}

	got, err := serializeResponse(resp, nil)
	if err != nil {
		t.Fatalf("serializeResponse() error = %v", err)
	}

	want := "HTTP/1.1 200 OK\r\nContent-Length: 1234\r\nContent-Type: text/html\r\n\r\n"
	if string(got) != want {
		t.Errorf("serializeResponse() = %q, want %q", got, want)
	}
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
