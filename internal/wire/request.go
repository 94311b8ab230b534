// Package wire parses the plaintext HTTP/1.x request head carried at the start
// of each proxied QUIC stream.
//
// The parser works on a complete in-memory payload and never blocks: it either
// returns the parsed head and the offset where the body starts, reports that
// the head is incomplete, or reports a syntax error. Headers are collected into
// a fixed number of slots; a request with more headers than slots is rejected
// rather than truncated.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"quic-proxy-go/internal/model"
)

// DefaultMaxHeaders is the header table capacity used when none is configured.
const DefaultMaxHeaders = 16

var (
	// ErrPartial is returned when the payload ends before the header section does.
	ErrPartial = errors.New("wire: incomplete request head")
	// ErrTooManyHeaders is returned when the request has more headers than slots.
	ErrTooManyHeaders = errors.New("wire: too many headers")
	// ErrMalformed is matched by every *SyntaxError.
	ErrMalformed = errors.New("wire: malformed request head")
)

// SyntaxError describes where and why a request head failed to parse.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("wire: %s at offset %d", e.Msg, e.Offset)
}

// Is reports ErrMalformed as a match.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrMalformed
}

// ParseRequest parses the request line and headers at the start of buf using
// at most maxHeaders header slots. On success it returns the request and the
// number of bytes consumed by the head; buf[n:] is the body.
func ParseRequest(buf []byte, maxHeaders int) (*model.Request, int, error) {
	if maxHeaders <= 0 {
		maxHeaders = DefaultMaxHeaders
	}
	p := &parser{buf: buf}

	if err := p.skipEmptyLines(); err != nil {
		return nil, 0, err
	}

	method, err := p.token(' ', "invalid method")
	if err != nil {
		return nil, 0, err
	}
	p.pos++

	path, err := p.target()
	if err != nil {
		return nil, 0, err
	}
	p.pos++

	minor, err := p.version()
	if err != nil {
		return nil, 0, err
	}
	if err := p.newline(); err != nil {
		return nil, 0, err
	}

	req := &model.Request{
		Method:  method,
		Path:    path,
		Version: minor,
	}

	for {
		done, err := p.endOfHeaders()
		if err != nil {
			return nil, 0, err
		}
		if done {
			return req, p.pos, nil
		}
		if len(req.Headers) == maxHeaders {
			return nil, 0, ErrTooManyHeaders
		}
		h, err := p.header()
		if err != nil {
			return nil, 0, err
		}
		req.Headers = append(req.Headers, h)
	}
}

type parser struct {
	buf []byte
	pos int
}

func (p *parser) syntax(msg string) error {
	return &SyntaxError{Offset: p.pos, Msg: msg}
}

// skipEmptyLines tolerates blank lines before the request line.
func (p *parser) skipEmptyLines() error {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case '\r':
			if p.pos+1 >= len(p.buf) {
				return ErrPartial
			}
			if p.buf[p.pos+1] != '\n' {
				return p.syntax("invalid new line")
			}
			p.pos += 2
		case '\n':
			p.pos++
		default:
			return nil
		}
	}
	return ErrPartial
}

// token reads a non-empty run of tchars terminated by delim, leaving pos on delim.
func (p *parser) token(delim byte, msg string) (string, error) {
	start := p.pos
	for ; p.pos < len(p.buf); p.pos++ {
		c := p.buf[p.pos]
		if c == delim {
			if p.pos == start {
				return "", p.syntax(msg)
			}
			return string(p.buf[start:p.pos]), nil
		}
		if !isToken(c) {
			return "", p.syntax(msg)
		}
	}
	return "", ErrPartial
}

// target reads the request target up to the next space.
func (p *parser) target() (string, error) {
	start := p.pos
	for ; p.pos < len(p.buf); p.pos++ {
		c := p.buf[p.pos]
		if c == ' ' {
			if p.pos == start {
				return "", p.syntax("invalid target")
			}
			return string(p.buf[start:p.pos]), nil
		}
		if c < 0x21 || c == 0x7f {
			return "", p.syntax("invalid target")
		}
	}
	return "", ErrPartial
}

var versionPrefix = []byte("HTTP/1.")

// version reads "HTTP/1.x" and returns x.
func (p *parser) version() (int, error) {
	rest := p.buf[p.pos:]
	n := min(len(rest), len(versionPrefix))
	if !bytes.Equal(rest[:n], versionPrefix[:n]) {
		return 0, p.syntax("invalid version")
	}
	if len(rest) <= len(versionPrefix) {
		return 0, ErrPartial
	}
	c := rest[len(versionPrefix)]
	if c < '0' || c > '9' {
		return 0, p.syntax("invalid version")
	}
	p.pos += len(versionPrefix) + 1
	return int(c - '0'), nil
}

// newline consumes CRLF or a bare LF.
func (p *parser) newline() error {
	if p.pos >= len(p.buf) {
		return ErrPartial
	}
	switch p.buf[p.pos] {
	case '\n':
		p.pos++
		return nil
	case '\r':
		if p.pos+1 >= len(p.buf) {
			return ErrPartial
		}
		if p.buf[p.pos+1] != '\n' {
			return p.syntax("invalid new line")
		}
		p.pos += 2
		return nil
	}
	return p.syntax("invalid new line")
}

// endOfHeaders consumes the blank line that terminates the header section.
func (p *parser) endOfHeaders() (bool, error) {
	if p.pos >= len(p.buf) {
		return false, ErrPartial
	}
	if c := p.buf[p.pos]; c != '\r' && c != '\n' {
		return false, nil
	}
	return true, p.newline()
}

func (p *parser) header() (model.Header, error) {
	name, err := p.token(':', "invalid header name")
	if err != nil {
		return model.Header{}, err
	}
	p.pos++

	for p.pos < len(p.buf) && (p.buf[p.pos] == ' ' || p.buf[p.pos] == '\t') {
		p.pos++
	}

	start := p.pos
	for ; p.pos < len(p.buf); p.pos++ {
		c := p.buf[p.pos]
		if c == '\r' || c == '\n' {
			break
		}
		if c != '\t' && (c < 0x20 || c == 0x7f) {
			return model.Header{}, p.syntax("invalid header value")
		}
	}
	if p.pos >= len(p.buf) {
		return model.Header{}, ErrPartial
	}
	value := bytes.TrimRight(p.buf[start:p.pos], " \t")

	if err := p.newline(); err != nil {
		return model.Header{}, err
	}
	return model.Header{Name: name, Value: value}, nil
}

// isToken reports whether c is an RFC 9110 tchar.
func isToken(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
