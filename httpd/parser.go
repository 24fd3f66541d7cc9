// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpd implements the HTTP/1.1 byte-level parser and the
// request/response state machine described in spec.md §4.C: a
// callback-driven, allocation-light parser, size guards, chunked transfer
// decoding, static file serving and the upgrade gateways to ws/sse.
package httpd

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/fio-core/fio/internal/rerrors"
)

// parserFlags track what the parser has observed so far (spec.md §3
// "HTTP/1 parser state").
type parserFlags uint8

const (
	flagStatusLineSeen parserFlags = 1 << iota
	flagHeadersComplete
	flagBodyComplete
	flagHasContentLength
	flagChunked
	flagIsResponse
)

type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateDone
)

// Limits bounds the parser's resource usage (spec.md §4.C "Size guards").
type Limits struct {
	MaxHeaderSize        int
	MaxHeaderCount       int
	MaxBodySize          int64
	MaxChunkSize         int64
	AllowTolerantChunked bool // Open Question: default false (strict, chunked must be last)
}

// DefaultLimits mirrors the teacher's config defaults, scaled to HTTP use.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderSize:  16 * 1024,
		MaxHeaderCount: 128,
		MaxBodySize:    10 * 1024 * 1024,
		MaxChunkSize:   1 * 1024 * 1024,
	}
}

// trailerWhitelist is the set of header names accepted as chunked trailers
// (spec.md §4.C, SPEC_FULL §4 "HTTP trailer header whitelist").
var trailerWhitelist = map[string]bool{"server-timing": true}

func trailerAllowed(name string) bool {
	if trailerWhitelist[name] {
		return true
	}
	return strings.HasPrefix(name, "x-")
}

// Callbacks receives parser events (spec.md §4.C "Parser contract").
type Callbacks struct {
	OnMethod     func(method []byte)
	OnPath       func(path []byte)
	OnQuery      func(query []byte)
	OnVersion    func(major, minor int)
	OnStatus     func(code int, text []byte)
	OnHeader     func(name, value []byte)
	OnBodyChunk  func(chunk []byte)
	// OnHeadersComplete fires once the blank line terminating the header
	// block is seen, before any body bytes are consumed — the hook
	// httpd/protocol.go uses to answer "Expect: 100-continue" (SPEC_FULL.md
	// §4 supplemented feature) ahead of reading the body.
	OnHeadersComplete func() error
	OnRequest    func() error
	OnResponse   func() error
	OnError      func(err error)
}

// Parser is a pure byte-span state machine; it carries no I/O of its own.
// Feed() returns the number of bytes consumed; unconsumed bytes must be
// resubmitted once more data arrives.
type Parser struct {
	cb     Callbacks
	limits Limits

	state parserState
	flags parserFlags

	lineBuf      bytes.Buffer
	headerBytes  int
	headerCount  int
	contentLen   int64
	bytesRead    int64
	chunkLeft    int64
	chunkSizeBuf bytes.Buffer
	sawCLValue   int64
	trailerOK    bool

	pendingHeaderName string
}

// New constructs a request-mode parser (IsResponse=false).
func New(cb Callbacks, limits Limits) *Parser {
	return &Parser{cb: cb, limits: limits}
}

// Reset returns the parser to its initial state for the next
// pipelined request on the same connection (spec.md §5 "the next
// request's on_data is not dispatched until the previous finish fires").
func (p *Parser) Reset() {
	*p = Parser{cb: p.cb, limits: p.limits}
}

// Feed parses as much of buf as forms complete lines/chunks, invoking
// callbacks along the way, and returns the number of bytes consumed.
func (p *Parser) Feed(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		switch p.state {
		case stateRequestLine:
			n, done, err := p.feedLine(buf[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !done {
				return total, nil
			}
			if err := p.parseRequestLine(p.takeLine()); err != nil {
				return total, err
			}
			p.state = stateHeaders

		case stateHeaders:
			n, done, err := p.feedLine(buf[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !done {
				return total, nil
			}
			line := p.takeLine()
			if len(line) == 0 {
				if err := p.finishHeaders(); err != nil {
					return total, err
				}
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return total, err
			}

		case stateBody:
			remaining := p.contentLen - p.bytesRead
			take := int64(len(buf) - total)
			if take > remaining {
				take = remaining
			}
			if take > 0 && p.cb.OnBodyChunk != nil {
				p.cb.OnBodyChunk(buf[total : total+int(take)])
			}
			total += int(take)
			p.bytesRead += take
			if p.bytesRead >= p.contentLen {
				if err := p.finishMessage(); err != nil {
					return total, err
				}
			}
			if take == 0 && remaining > 0 {
				return total, nil
			}

		case stateChunkSize:
			n, done, err := p.feedLine(buf[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !done {
				return total, nil
			}
			size, terr := parseChunkSize(p.takeLine())
			if terr != nil {
				return total, terr
			}
			if size > p.limits.MaxChunkSize {
				return total, rerrors.ErrChunkTooLarge
			}
			p.chunkLeft = size
			if size == 0 {
				p.state = stateChunkTrailer
			} else {
				p.state = stateChunkData
			}

		case stateChunkData:
			take := int64(len(buf) - total)
			if take > p.chunkLeft {
				take = p.chunkLeft
			}
			if take > 0 && p.cb.OnBodyChunk != nil {
				p.cb.OnBodyChunk(buf[total : total+int(take)])
			}
			total += int(take)
			p.chunkLeft -= take
			p.bytesRead += take
			if p.bytesRead > p.limits.MaxBodySize && p.limits.MaxBodySize > 0 {
				return total, rerrors.ErrBodyTooLarge
			}
			if p.chunkLeft == 0 {
				p.state = stateChunkCRLF
			} else if take == 0 {
				return total, nil
			}

		case stateChunkCRLF:
			n, done, err := p.feedLine(buf[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !done {
				return total, nil
			}
			p.takeLine()
			p.state = stateChunkSize

		case stateChunkTrailer:
			n, done, err := p.feedLine(buf[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !done {
				return total, nil
			}
			line := p.takeLine()
			if len(line) == 0 {
				if err := p.finishMessage(); err != nil {
					return total, err
				}
				continue
			}
			name, value, perr := splitHeaderLine(line)
			if perr == nil && trailerAllowed(name) && p.cb.OnHeader != nil {
				p.cb.OnHeader([]byte(name), []byte(value))
			}

		case stateDone:
			return total, nil
		}
	}
	return total, nil
}

func (p *Parser) feedLine(buf []byte) (consumed int, done bool, err error) {
	for i, b := range buf {
		if b == '\n' {
			p.lineBuf.Write(buf[:i])
			if p.lineBuf.Len() > p.limits.MaxHeaderSize && p.limits.MaxHeaderSize > 0 {
				return i + 1, false, rerrors.ErrHeaderTooLarge
			}
			return i + 1, true, nil
		}
	}
	p.lineBuf.Write(buf)
	if p.lineBuf.Len() > p.limits.MaxHeaderSize && p.limits.MaxHeaderSize > 0 {
		return len(buf), false, rerrors.ErrHeaderTooLarge
	}
	return len(buf), false, nil
}

// takeLine returns the accumulated line with a trailing CR stripped
// (tolerating bare LF, spec.md §4.C "CRLF or bare LF terminate lines").
func (p *Parser) takeLine() []byte {
	b := p.lineBuf.Bytes()
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	out := append([]byte(nil), b...)
	p.lineBuf.Reset()
	return out
}

func (p *Parser) parseRequestLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return rerrors.ErrMalformedRequestLine
	}
	if p.cb.OnMethod != nil {
		p.cb.OnMethod(parts[0])
	}
	target := parts[1]
	if path, query, host, ok := splitTarget(target); ok {
		if p.cb.OnPath != nil {
			p.cb.OnPath(path)
		}
		if p.cb.OnQuery != nil {
			p.cb.OnQuery(query)
		}
		if len(host) > 0 && p.cb.OnHeader != nil {
			p.cb.OnHeader([]byte("host"), host)
		}
	}
	major, minor, verr := parseVersion(parts[2])
	if verr != nil {
		return verr
	}
	if p.cb.OnVersion != nil {
		p.cb.OnVersion(major, minor)
	}
	p.flags |= flagStatusLineSeen
	return nil
}

// splitTarget separates path and query, and extracts an absolute-form
// target's host so parseRequestLine can synthesize a Host header from it
// (spec.md §4.C "Request-line handling": "the host becomes a synthesized
// host header").
func splitTarget(target []byte) (path, query, host []byte, ok bool) {
	t := target
	if bytes.HasPrefix(t, []byte("http://")) || bytes.HasPrefix(t, []byte("https://")) {
		rest := t[strings.Index(string(t), "://")+3:]
		if i := bytes.IndexByte(rest, '/'); i >= 0 {
			host = rest[:i]
			t = rest[i:]
		} else {
			host = rest
			t = []byte("/")
		}
	}
	if i := bytes.IndexByte(t, '?'); i >= 0 {
		return t[:i], t[i+1:], host, true
	}
	return t, nil, host, true
}

func parseVersion(v []byte) (major, minor int, err error) {
	s := string(v)
	if !strings.HasPrefix(s, "HTTP/") {
		return 0, 0, rerrors.ErrMalformedRequestLine
	}
	s = strings.TrimPrefix(s, "HTTP/")
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, rerrors.ErrMalformedRequestLine
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, rerrors.ErrMalformedRequestLine
	}
	return major, minor, nil
}

func splitHeaderLine(line []byte) (name, value string, err error) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return "", "", rerrors.ErrMalformedRequestLine
	}
	name = strings.ToLower(strings.TrimSpace(string(line[:i])))
	value = strings.TrimSpace(string(line[i+1:]))
	return name, value, nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	p.headerCount++
	if p.limits.MaxHeaderCount > 0 && p.headerCount > p.limits.MaxHeaderCount {
		return rerrors.ErrTooManyHeaders
	}
	p.headerBytes += len(line)
	if p.limits.MaxHeaderSize > 0 && p.headerBytes > p.limits.MaxHeaderSize {
		return rerrors.ErrHeaderTooLarge
	}
	name, value, err := splitHeaderLine(line)
	if err != nil {
		return err
	}

	switch name {
	case "content-length":
		if p.flags&flagChunked != 0 {
			// chunked wins; ignore (spec.md §4.C).
			break
		}
		n, cerr := strconv.ParseInt(value, 10, 64)
		if cerr != nil {
			return rerrors.ErrMalformedRequestLine
		}
		if p.flags&flagHasContentLength != 0 && p.sawCLValue != n {
			return rerrors.ErrConflictingContentLength
		}
		p.sawCLValue = n
		p.contentLen = n
		p.flags |= flagHasContentLength
	case "transfer-encoding":
		lv := strings.ToLower(value)
		if strings.Contains(lv, "chunked") {
			codings := strings.Split(lv, ",")
			if strings.TrimSpace(codings[len(codings)-1]) != "chunked" && !p.limits.AllowTolerantChunked {
				return rerrors.ErrMalformedRequestLine
			}
			p.flags |= flagChunked
			p.flags &^= flagHasContentLength
		}
	}

	if p.cb.OnHeader != nil {
		p.cb.OnHeader([]byte(name), []byte(value))
	}
	return nil
}

func (p *Parser) finishHeaders() error {
	p.flags |= flagHeadersComplete
	if p.cb.OnHeadersComplete != nil {
		if err := p.cb.OnHeadersComplete(); err != nil {
			return err
		}
	}
	if p.flags&flagChunked != 0 {
		p.state = stateChunkSize
		return nil
	}
	if p.contentLen > p.limits.MaxBodySize && p.limits.MaxBodySize > 0 {
		return rerrors.ErrBodyTooLarge
	}
	if p.contentLen == 0 {
		return p.finishMessage()
	}
	p.state = stateBody
	return nil
}

func (p *Parser) finishMessage() error {
	p.flags |= flagBodyComplete
	p.state = stateDone
	// spec.md §4.C: the parser synthesizes a content-length header
	// reflecting the decoded length once chunked transfer decoding
	// completes, so callers never have to special-case chunked vs.
	// fixed-length bodies downstream.
	if p.flags&flagChunked != 0 && p.cb.OnHeader != nil {
		p.cb.OnHeader([]byte("content-length"), []byte(strconv.FormatInt(p.bytesRead, 10)))
	}
	if p.flags&flagIsResponse != 0 {
		if p.cb.OnResponse != nil {
			return p.cb.OnResponse()
		}
		return nil
	}
	if p.cb.OnRequest != nil {
		return p.cb.OnRequest()
	}
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(line)), 16, 64)
	if err != nil || n < 0 {
		return 0, rerrors.ErrMalformedRequestLine
	}
	return n, nil
}

// BytesRead returns the number of body bytes decoded so far (content or
// chunk payload bytes, not framing).
func (p *Parser) BytesRead() int64 { return p.bytesRead }

// Done reports whether the current message finished parsing.
func (p *Parser) Done() bool { return p.state == stateDone }

// IsChunked reports whether the parsed request used chunked encoding.
func (p *Parser) IsChunked() bool { return p.flags&flagChunked != 0 }
