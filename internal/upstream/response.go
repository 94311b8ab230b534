package upstream

import (
	"bytes"
	"io"
	"net/http"
)

// serializeResponse renders resp with the fully buffered body as an HTTP/1.1
// message framed by Content-Length. Hop-by-hop headers of the upstream
// connection are dropped; everything else is written as received.
func serializeResponse(resp *http.Response, body []byte) ([]byte, error) {
	out := *resp
	out.Proto = "HTTP/1.1"
	out.ProtoMajor, out.ProtoMinor = 1, 1
	out.Header = resp.Header.Clone()
	for _, name := range hopByHopHeaders {
		out.Header.Del(name)
	}
	out.TransferEncoding = nil
	out.Trailer = nil
	out.Close = false
	out.Body = io.NopCloser(bytes.NewReader(body))

	// A response to HEAD keeps the length the upstream announced.
	if resp.Request == nil || resp.Request.Method != http.MethodHead {
		out.ContentLength = int64(len(body))
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 512)
	if err := out.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
