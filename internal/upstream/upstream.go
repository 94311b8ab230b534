// Package upstream implements request forwarding to the single HTTP origin.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"quic-proxy-go/internal/model"
	"quic-proxy-go/internal/proxyerr"
)

// hopByHopHeaders describe a single transport hop and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Doer executes one HTTP request. *client.UpstreamClient implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Upstream forwards parsed requests to a fixed base URI and returns the
// upstream response in HTTP/1.1 wire form. It holds no mutable state and is
// safe for concurrent use by any number of streams.
type Upstream struct {
	client  Doer
	base    string
	baseURL *url.URL
	logger  *slog.Logger
}

// New validates baseURI and returns an Upstream that sends requests through c.
// baseURI must be an absolute http or https URI; anything else is a
// configuration error and no request is ever attempted.
func New(baseURI string, c Doer, logger *slog.Logger) (*Upstream, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return nil, proxyerr.Wrap("parse upstream base URI", proxyerr.ErrConfiguration, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, proxyerr.Wrap("parse upstream base URI", proxyerr.ErrConfiguration,
			fmt.Errorf("%q is not an absolute http(s) URI", baseURI))
	}

	return &Upstream{
		client:  c,
		base:    baseURI,
		baseURL: u,
		logger:  logger.With("component", "upstream"),
	}, nil
}

// BaseURI returns the validated base URI.
func (u *Upstream) BaseURI() string {
	return u.base
}

// ProcessRequest makes exactly one upstream call for req and returns the
// complete serialized response. Transport failures and failures while reading
// the response body are reported as proxyerr.ErrRequestFailure.
func (u *Upstream) ProcessRequest(ctx context.Context, req *model.Request, body []byte) ([]byte, error) {
	out, err := u.buildUpstreamRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}

	u.logger.Debug("forwarding request",
		"method", out.Method,
		"url", out.URL.Redacted(),
		"body_bytes", len(body),
	)

	resp, err := u.client.Do(out)
	if err != nil {
		return nil, proxyerr.Wrap("forward request", proxyerr.ErrRequestFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The upstream may stream its body; collect it chunk by chunk.
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, proxyerr.Wrap("read upstream response", proxyerr.ErrRequestFailure, err)
	}

	wire, err := serializeResponse(resp, buf.Bytes())
	if err != nil {
		return nil, proxyerr.Wrap("serialize upstream response", proxyerr.ErrRequestFailure, err)
	}
	return wire, nil
}

// buildUpstreamRequest assembles the outgoing request: method verbatim, URI
// as base followed by the request path, body as given, end-to-end headers copied.
func (u *Upstream) buildUpstreamRequest(ctx context.Context, req *model.Request, body []byte) (*http.Request, error) {
	if req.Method == "" || req.Path == "" {
		return nil, proxyerr.New("build upstream request", proxyerr.ErrInvalidRequest)
	}
	// Only origin-form targets are forwarded; anything else could rewrite the
	// authority of the concatenated URI (e.g. "@other.host/x").
	if !strings.HasPrefix(req.Path, "/") {
		return nil, proxyerr.Wrap("build upstream request", proxyerr.ErrInvalidRequest,
			fmt.Errorf("request target %q is not in origin form", req.Path))
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.base+req.Path, bytes.NewReader(body))
	if err != nil {
		return nil, proxyerr.Wrap("build upstream request", nil, err)
	}
	if out.URL.Scheme != u.baseURL.Scheme || out.URL.Host != u.baseURL.Host ||
		out.URL.User.String() != u.baseURL.User.String() {
		return nil, proxyerr.Wrap("build upstream request", proxyerr.ErrInvalidRequest,
			fmt.Errorf("request target %q leaves the upstream origin", req.Path))
	}
	out.Header = forwardHeaders(req.Headers)
	return out, nil
}

// forwardHeaders copies request headers except hop-by-hop ones (the fixed
// set plus any named in Connection), Host and Content-Length, which the HTTP
// client derives from the URI and body.
func forwardHeaders(src []model.Header) http.Header {
	dst := make(http.Header, len(src))
	for _, h := range src {
		dst.Add(h.Name, string(h.Value))
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	dst.Del("Host")
	dst.Del("Content-Length")
	return dst
}
