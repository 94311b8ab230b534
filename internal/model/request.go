// Package model defines shared types for the proxy.
package model

import "strings"

// Header is one header line of a client request. Value holds the raw bytes
// after the colon with surrounding whitespace trimmed.
type Header struct {
	Name  string
	Value []byte
}

// Request is the head of a client request parsed from the leading bytes of a
// QUIC stream. The body is carried separately as the remainder of the payload.
type Request struct {
	Method  string
	Path    string
	Version int // minor version of HTTP/1.x
	Headers []Header
}

// Header returns the first value of the named header, matched
// case-insensitively, and whether it was present.
func (r *Request) Header(name string) ([]byte, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return nil, false
}
