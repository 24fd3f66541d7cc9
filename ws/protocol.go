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

package ws

import (
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/internal/logging"
	"github.com/fio-core/fio/internal/rerrors"
	"github.com/fio-core/fio/internal/stats"
	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
)

// Options bounds one WebSocket connection (spec.md §3 "WebSocket connection
// state", §4.D).
type Options struct {
	MaxMessageSize int           // bound on the reassembled message; 0 = unbounded
	FragmentLimit  int           // outbound fragmentation threshold; 0 = never fragment
	IdleTimeout    time.Duration // Ping() sends a zero-length ping at this interval
}

// MessageHandler receives one reassembled message (spec.md §4.D
// "on_unwrapped ... is_first, is_last" reassembled above the codec into a
// single delivery).
type MessageHandler func(uuid reactor.UUID, payload []byte, isText bool)

// CloseHandler fires exactly once per connection (spec.md §4.D "The
// on_close callback runs exactly once with the user udata").
type CloseHandler func(uuid reactor.UUID, err error)

// Conn is the reactor.Protocol attached to a UUID after an HTTP Upgrade
// (spec.md §4.C "Upgrade handshake" hands the socket to this package with
// server-mode framing").
type Conn struct {
	eng      *reactor.Engine
	uuid     reactor.UUID
	opts     Options
	isClient bool

	metrics *stats.Stats

	onMessage MessageHandler
	onClose   CloseHandler

	pending []byte // bytes not yet forming a complete frame

	reassembling bool
	reassembly   []byte
	reassemblyIsText bool

	bus  *pubsub.Bus
	subs []pubsub.Handle

	closedOnce bool
}

// Attach installs a WebSocket Protocol on uuid, server-mode by default
// (spec.md §4.C "hands the socket ... to 4.D with server-mode framing").
// leftover carries any bytes the HTTP parser had already buffered past the
// upgrade response's blank line.
func Attach(eng *reactor.Engine, uuid reactor.UUID, leftover []byte, isClient bool, opts Options, bus *pubsub.Bus, metrics *stats.Stats, onMessage MessageHandler, onClose CloseHandler) (*Conn, error) {
	c := &Conn{
		eng: eng, uuid: uuid, opts: opts, isClient: isClient,
		bus: bus, metrics: metrics,
		onMessage: onMessage, onClose: onClose,
	}
	if err := eng.Attach(uuid, c); err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.WSConnections.WithLabelValues().Inc()
	}
	if opts.IdleTimeout > 0 {
		_ = eng.TimeoutSet(uuid, opts.IdleTimeout)
	}
	if len(leftover) > 0 {
		c.consume(leftover)
	}
	return c, nil
}

// OnData implements reactor.Protocol: read whatever the loop just delivered
// and decode as many complete frames as are available.
func (c *Conn) OnData(uuid reactor.UUID) {
	var scratch [64 * 1024]byte
	n, err := c.eng.Read(uuid, scratch[:])
	if err != nil || n == 0 {
		return
	}
	c.consume(scratch[:n])
}

func (c *Conn) consume(b []byte) {
	c.pending = append(c.pending, b...)
	for {
		frame, n, err := decodeFrame(c.pending, !c.isClient, int64(maxFramePayload(c.opts)))
		if err != nil {
			logging.Warnf("ws: frame decode error on uuid=%v: %v", c.uuid, err)
			_ = c.eng.Close(c.uuid)
			return
		}
		if frame == nil {
			return
		}
		c.pending = c.pending[n:]
		if err := c.dispatch(frame); err != nil {
			logging.Warnf("ws: dispatch error on uuid=%v: %v", c.uuid, err)
			_ = c.eng.Close(c.uuid)
			return
		}
	}
}

func maxFramePayload(o Options) int {
	if o.MaxMessageSize > 0 {
		return o.MaxMessageSize
	}
	return 0
}

func (c *Conn) dispatch(f *Frame) error {
	switch f.Opcode {
	case OpPing:
		if c.metrics != nil {
			c.metrics.WSFramesIn.WithLabelValues("ping").Inc()
		}
		return c.sendControl(OpPong, f.Payload)
	case OpPong:
		if c.metrics != nil {
			c.metrics.WSFramesIn.WithLabelValues("pong").Inc()
		}
		return nil
	case OpClose:
		if c.metrics != nil {
			c.metrics.WSFramesIn.WithLabelValues("close").Inc()
		}
		_ = c.sendControl(OpClose, f.Payload)
		return c.eng.Close(c.uuid)
	case OpText, OpBinary:
		return c.appendMessage(f, f.Opcode == OpText)
	case OpContinuation:
		return c.appendMessage(f, c.reassemblyIsText)
	default:
		return rerrors.ErrBadOpcode
	}
}

// appendMessage implements spec.md §4.D fragmentation reassembly: "on
// is_first, either deliver directly if also is_last, or allocate a
// reassembly buffer; append subsequent non-final frames; deliver on final."
func (c *Conn) appendMessage(f *Frame, isText bool) error {
	isFirst := f.Opcode != OpContinuation
	if isFirst && f.Fin {
		if c.metrics != nil {
			c.metrics.WSFramesIn.WithLabelValues(opcodeLabel(f.Opcode)).Inc()
		}
		c.onMessage(c.uuid, f.Payload, isText)
		return nil
	}
	if isFirst {
		if !c.reassembling {
			c.reassembling = true
			c.reassembly = nil
			c.reassemblyIsText = isText
		}
	} else if !c.reassembling {
		return rerrors.ErrBadContinuation
	}
	c.reassembly = append(c.reassembly, f.Payload...)
	if c.opts.MaxMessageSize > 0 && len(c.reassembly) > c.opts.MaxMessageSize {
		c.reassembling = false
		c.reassembly = nil
		return rerrors.ErrMessageTooLarge
	}
	if f.Fin {
		c.reassembling = false
		msg := c.reassembly
		c.reassembly = nil
		if c.metrics != nil {
			c.metrics.WSFramesIn.WithLabelValues(opcodeLabel(f.Opcode)).Inc()
		}
		c.onMessage(c.uuid, msg, c.reassemblyIsText)
	}
	return nil
}

func opcodeLabel(op Opcode) string {
	switch op {
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	default:
		return "continuation"
	}
}

// OnReady implements reactor.Protocol; nothing to do once the outbound
// queue drains, the WebSocket layer has no pause mechanism of its own.
func (c *Conn) OnReady(reactor.UUID) {}

// OnShutdown sends a close frame and asks for no extra grace.
func (c *Conn) OnShutdown(reactor.UUID) int {
	_ = c.sendControl(OpClose, nil)
	return 0
}

// Ping implements reactor.Protocol: idle-timeout expiry sends a zero-length
// ping (spec.md §4.D "Control frames": "Idle-timeout expiry sends a
// zero-length ping").
func (c *Conn) Ping(reactor.UUID) {
	_ = c.sendControl(OpPing, nil)
}

// OnClose implements reactor.Protocol; unsubscribes every bridge
// subscription this connection owned before returning (spec.md §3 invariant
// (ii): "when a connection closes, all its subscriptions are cancelled
// before on_close returns").
func (c *Conn) OnClose(uuid reactor.UUID, err error) {
	if c.closedOnce {
		return
	}
	c.closedOnce = true
	if c.bus != nil {
		for _, h := range c.subs {
			c.bus.Unsubscribe(h)
		}
	}
	if c.metrics != nil {
		c.metrics.WSConnections.WithLabelValues().Dec()
	}
	if c.onClose != nil {
		c.onClose(uuid, err)
	}
}

func (c *Conn) sendControl(opcode Opcode, payload []byte) error {
	buf := bytebufferpool.Get()
	WriteControl(buf, opcode, payload, c.isClient)
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	if c.metrics != nil {
		if opcode == OpPing {
			c.metrics.WSFramesOut.WithLabelValues("ping").Inc()
		} else if opcode == OpPong {
			c.metrics.WSFramesOut.WithLabelValues("pong").Inc()
		} else {
			c.metrics.WSFramesOut.WithLabelValues("close").Inc()
		}
	}
	return c.eng.Write(c.uuid, reactor.OwnedChunk(out))
}

// Send writes one complete (possibly fragmented) message to uuid.
func (c *Conn) Send(payload []byte, isText bool) error {
	buf := bytebufferpool.Get()
	WriteMessage(buf, payload, isText, c.isClient, c.opts.FragmentLimit)
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	if c.metrics != nil {
		c.metrics.WSFramesOut.WithLabelValues(opcodeLabel(textOp(isText))).Inc()
	}
	return c.eng.Write(c.uuid, reactor.OwnedChunk(out))
}

func textOp(isText bool) Opcode {
	if isText {
		return OpText
	}
	return OpBinary
}

