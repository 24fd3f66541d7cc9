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

package httpd

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/internal/logging"
	"github.com/fio-core/fio/internal/rerrors"
	"github.com/fio-core/fio/internal/stats"
	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
	"github.com/fio-core/fio/sse"
	"github.com/fio-core/fio/ws"
)

// Handler processes one fully-parsed request (spec.md §4.C "awaiting_handler").
// It must eventually drive the response to completion via SendBody/SendFile,
// or via WriteHeader+WriteChunk+Finish for a streamed body, or call Pause to
// suspend the request and finish it later from another goroutine.
type Handler func(r *Request)

// expectContinueThreshold mirrors the original's "small inline threshold":
// bodies at or under this size are just read normally; only a client
// announcing a larger body via Expect: 100-continue gets the interim
// response (SPEC_FULL.md §4 "HTTP Expect: 100-continue").
const expectContinueThreshold = 1 << 16

// Options configures one httpd.Conn (spec.md §4.C size guards, upgrade
// negotiation, and static file serving).
type Options struct {
	Limits    Limits
	Handler   Handler
	PublicDir string            // static file root; "" disables static serving
	ExtToMIME map[string]string // extension (with leading dot) -> MIME type

	WS           ws.Options
	WSHandler    ws.MessageHandler
	WSOnClose    ws.CloseHandler
	SSE          sse.Options
	Subprotocols []string // subprotocols this server recognizes, in preference order
}

// Conn is the reactor.Protocol driving one HTTP/1.1 connection through the
// parser and the request dispatch state machine (spec.md §4.C), including
// the upgrade handoff to ws/sse and optional static file serving.
type Conn struct {
	eng  *reactor.Engine
	uuid reactor.UUID
	opts Options
	bus  *pubsub.Bus

	metrics *stats.Stats

	parser *Parser
	req    *Request

	pending []byte // bytes buffered while paused, mid-upgrade, or pipelined
	pumping bool   // reentrancy guard: a handler finishing synchronously must
	// not recurse into pump() from inside pump()'s own Feed call

	expectBody   int64
	sawExpect100 bool

	closedOnce bool
}

// Attach installs an HTTP/1.1 Protocol on uuid (spec.md §4.A "on_open ...
// must attach a protocol").
func Attach(eng *reactor.Engine, uuid reactor.UUID, opts Options, bus *pubsub.Bus, metrics *stats.Stats) (*Conn, error) {
	c := &Conn{eng: eng, uuid: uuid, opts: opts, bus: bus, metrics: metrics}
	c.newParser()
	if err := eng.Attach(uuid, c); err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.CurrConnections.WithLabelValues("http").Inc()
	}
	return c, nil
}

func (c *Conn) newParser() {
	c.req = NewRequest(c.uuid)
	c.req.conn = c
	c.parser = New(Callbacks{
		OnMethod:  func(b []byte) { c.req.Method = string(b) },
		OnPath:    func(b []byte) { c.req.Path, _ = url.PathUnescape(string(b)) },
		OnQuery:   func(b []byte) { c.req.Query = string(b) },
		OnVersion: func(major, minor int) { c.req.Major, c.req.Minor = major, minor },
		OnHeader: func(name, value []byte) {
			n, v := string(name), string(value)
			c.req.addHeader(n, v)
			if n == "expect" && strings.EqualFold(v, "100-continue") {
				c.sawExpect100 = true
			}
			if n == "content-length" {
				c.expectBody, _ = strconv.ParseInt(v, 10, 64)
			}
		},
		OnBodyChunk:       func(b []byte) { c.req.Body = append(c.req.Body, b...) },
		OnHeadersComplete: c.onHeadersComplete,
		OnRequest:         c.onRequest,
		OnError: func(err error) {
			logging.Warnf("httpd: parse error on uuid=%v: %v", c.uuid, err)
			_ = c.eng.Close(c.uuid)
		},
	}, c.opts.Limits)
}

// onHeadersComplete answers Expect: 100-continue and enforces the
// Host-header requirement before the body is read (spec.md §4.C
// "Request-line handling": "a Host-less origin-form request from HTTP/1.1
// must fail with 400"; SPEC_FULL.md §4 "HTTP Expect: 100-continue").
func (c *Conn) onHeadersComplete() error {
	if c.req.Major == 1 && c.req.Minor == 1 && c.req.Header("host") == "" {
		return rerrors.ErrMissingHost
	}
	if c.sawExpect100 && c.expectBody > expectContinueThreshold {
		return c.eng.Write(c.uuid, reactor.OwnedChunk([]byte("HTTP/1.1 100 Continue\r\n\r\n")))
	}
	return nil
}

// OnData implements reactor.Protocol: feed newly-arrived bytes into the
// parser, resuming wherever consumption last left off.
func (c *Conn) OnData(uuid reactor.UUID) {
	var scratch [64 * 1024]byte
	n, err := c.eng.Read(uuid, scratch[:])
	if err != nil || n == 0 {
		return
	}
	c.pending = append(c.pending, scratch[:n]...)
	c.pump()
}

// pump drives the parser over c.pending until it runs dry, the current
// request pauses, or a parse error closes the connection. It guards against
// reentrancy because a synchronous handler finishing its response inside
// on_request calls back into pump() to resume any pipelined bytes that
// arrived behind the request it just answered (spec.md §5 "the next
// request's on_data is not dispatched until the previous finish fires").
func (c *Conn) pump() {
	if c.pumping {
		return
	}
	c.pumping = true
	defer func() { c.pumping = false }()

	for len(c.pending) > 0 {
		if c.req.paused {
			return
		}
		n, err := c.parser.Feed(c.pending)
		c.pending = c.pending[n:]
		if err != nil {
			logging.Warnf("httpd: %v", err)
			c.respondError(err)
			_ = c.eng.Close(c.uuid)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (c *Conn) respondError(err error) {
	status := 400
	switch err {
	case rerrors.ErrHeaderTooLarge, rerrors.ErrTooManyHeaders, rerrors.ErrBodyTooLarge, rerrors.ErrChunkTooLarge:
		status = 413
	}
	body := []byte(statusText(status))
	head := "HTTP/1.1 " + itoa(status) + " " + statusText(status) + "\r\nContent-Length: " + itoa(len(body)) + "\r\nConnection: close\r\n\r\n"
	_ = c.eng.Write(c.uuid, reactor.OwnedChunk(append([]byte(head), body...)))
}

// onRequest fires when the parser completes a full request (spec.md §4.C
// "Transition to awaiting_handler happens on on_request").
func (c *Conn) onRequest() error {
	r := c.req
	if c.metrics != nil {
		c.metrics.HTTPRequests.WithLabelValues("received").Inc()
	}

	switch {
	case isWebSocketUpgrade(r):
		return c.handleWebSocketUpgrade(r)
	case isSSEUpgrade(r):
		return c.handleSSEUpgrade(r)
	case c.opts.PublicDir != "" && (r.Method == "GET" || r.Method == "HEAD" || r.Method == "OPTIONS"):
		if c.tryServeStatic(r) {
			return nil
		}
		fallthrough
	default:
		if c.opts.Handler != nil {
			c.opts.Handler(r)
		} else {
			r.SetStatus(404, "Not Found")
			_ = r.SendBody([]byte("not found"))
		}
	}
	return nil
}

// afterFinish resets the parser for the next pipelined request when the
// connection stays keep-alive (spec.md §5), and is always followed by a
// pump() so any already-buffered pipelined bytes get processed immediately
// rather than waiting for the next OnData.
func (c *Conn) afterFinish(r *Request) {
	if !r.keepAlive {
		_ = c.eng.Close(c.uuid)
		return
	}
	c.parser.Reset()
	c.req = NewRequest(c.uuid)
	c.req.conn = c
	c.sawExpect100 = false
	c.expectBody = 0
	c.pump()
}

func isWebSocketUpgrade(r *Request) bool {
	return strings.EqualFold(r.Header("upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header("connection")), "upgrade")
}

func isSSEUpgrade(r *Request) bool {
	return strings.Contains(strings.ToLower(r.Header("accept")), "text/event-stream")
}

// handleWebSocketUpgrade implements spec.md §4.C "Upgrade handshake": verify
// Sec-WebSocket-Version, compute Sec-WebSocket-Accept, emit 101, then hand
// the socket (plus any already-buffered bytes) to ws with server-mode
// framing.
func (c *Conn) handleWebSocketUpgrade(r *Request) error {
	if r.Header("sec-websocket-version") != "13" {
		r.SetStatus(426, "Upgrade Required")
		r.SetHeader("Sec-WebSocket-Version", "13")
		return r.SendBody(nil)
	}
	key := r.Header("sec-websocket-key")
	if key == "" {
		r.SetStatus(400, "Bad Request")
		return r.SendBody(nil)
	}

	buf := bytebufferpool.Get()
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(ws.AcceptKey(key))
	buf.WriteString("\r\n")
	if sub := ws.NegotiateSubprotocol(r.Header("sec-websocket-protocol"), c.opts.Subprotocols); sub != "" {
		buf.WriteString("Sec-WebSocket-Protocol: ")
		buf.WriteString(sub)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	if err := c.eng.Write(c.uuid, reactor.OwnedChunk(out)); err != nil {
		return err
	}

	leftover := c.pending
	c.pending = nil
	if c.metrics != nil {
		c.metrics.CurrConnections.WithLabelValues("http").Dec()
	}
	_, err := ws.Attach(c.eng, c.uuid, leftover, false, c.opts.WS, c.bus, c.metrics, c.opts.WSHandler, c.opts.WSOnClose)
	return err
}

// handleSSEUpgrade implements spec.md §4.C "On SSE upgrade, it emits 200 OK
// ... and hands off to the SSE writer".
func (c *Conn) handleSSEUpgrade(r *Request) error {
	buf := bytebufferpool.Get()
	buf.WriteString("HTTP/1.1 200 OK\r\n")
	buf.WriteString("Content-Type: text/event-stream; charset=utf-8\r\n")
	buf.WriteString("Cache-Control: no-cache\r\n")
	buf.WriteString("Content-Encoding: identity\r\n")
	buf.WriteString("Connection: keep-alive\r\n")
	buf.WriteString("\r\n")
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	if err := c.eng.Write(c.uuid, reactor.OwnedChunk(out)); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.CurrConnections.WithLabelValues("http").Dec()
	}
	_, err := sse.Attach(c.eng, c.uuid, c.opts.SSE, c.bus, c.metrics, nil)
	return err
}

// OnReady implements reactor.Protocol; nothing to do, httpd has no
// independent backpressure state beyond the engine's outbound queue.
func (c *Conn) OnReady(reactor.UUID) {}

// OnShutdown implements spec.md §4.C "Failure semantics: on_shutdown
// responds with a default 503-style close if idle, or grants a brief grace
// if mid-response".
func (c *Conn) OnShutdown(reactor.UUID) int {
	if c.req != nil && c.req.sentHeader && !c.req.finished {
		return 2 // seconds of grace to let an in-flight response finish
	}
	_ = c.eng.Write(c.uuid, reactor.OwnedChunk([]byte("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")))
	return 0
}

// Ping implements reactor.Protocol: HTTP treats idle timeout as a no-op and
// relies on OnShutdown/the reactor's own close instead (spec.md §4.C).
func (c *Conn) Ping(reactor.UUID) {}

// OnClose implements reactor.Protocol.
func (c *Conn) OnClose(reactor.UUID, error) {
	if c.closedOnce {
		return
	}
	c.closedOnce = true
	if c.metrics != nil {
		c.metrics.CurrConnections.WithLabelValues("http").Dec()
	}
}
