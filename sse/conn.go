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

package sse

import (
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/internal/stats"
	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
)

// Options bounds one SSE connection (spec.md §3, §4.D).
type Options struct {
	IdleTimeout time.Duration // Ping() sends a ": ping\n\n" comment at this interval
}

// CloseHandler fires exactly once per connection.
type CloseHandler func(uuid reactor.UUID, err error)

// Conn is the reactor.Protocol attached to a UUID after an HTTP GET upgrades
// to text/event-stream (spec.md §4.C "On SSE upgrade, it emits 200 OK ...
// and hands off to the SSE writer").
type Conn struct {
	eng  *reactor.Engine
	uuid reactor.UUID
	opts Options

	metrics *stats.Stats
	onClose CloseHandler

	bus  *pubsub.Bus
	subs []pubsub.Handle

	closedOnce bool
}

// Attach installs an SSE Protocol on uuid. Unlike WebSocket, no handshake
// bytes arrive from the client after the upgrade — EventSource is
// one-directional — so there is no leftover buffer to replay.
func Attach(eng *reactor.Engine, uuid reactor.UUID, opts Options, bus *pubsub.Bus, metrics *stats.Stats, onClose CloseHandler) (*Conn, error) {
	c := &Conn{eng: eng, uuid: uuid, opts: opts, bus: bus, metrics: metrics, onClose: onClose}
	if err := eng.Attach(uuid, c); err != nil {
		return nil, err
	}
	if opts.IdleTimeout > 0 {
		_ = eng.TimeoutSet(uuid, opts.IdleTimeout)
	}
	return c, nil
}

// OnData implements reactor.Protocol. EventSource clients send nothing of
// substance after the request; any bytes (e.g. a client abort probe) are
// simply discarded.
func (c *Conn) OnData(uuid reactor.UUID) {
	var scratch [512]byte
	_, _ = c.eng.Read(uuid, scratch[:])
}

// OnReady implements reactor.Protocol; no backpressure state of its own.
func (c *Conn) OnReady(reactor.UUID) {}

// OnShutdown asks for no extra grace; the connection just gets closed.
func (c *Conn) OnShutdown(reactor.UUID) int { return 0 }

// Ping implements reactor.Protocol: idle-timeout expiry sends an SSE
// comment line to keep intermediaries from timing out the stream (spec.md
// §4.D "SSE idle timeout sends a : ping\n\n").
func (c *Conn) Ping(reactor.UUID) {
	buf := bytebufferpool.Get()
	WriteComment(buf, "ping")
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	_ = c.eng.Write(c.uuid, reactor.OwnedChunk(out))
}

// OnClose implements reactor.Protocol; unsubscribes every bridge
// subscription before returning (spec.md §3 invariant (ii)).
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
	if c.onClose != nil {
		c.onClose(uuid, err)
	}
}

// Send writes one complete SSE event to uuid.
func (c *Conn) Send(id, event string, data []byte, retry int) error {
	buf := bytebufferpool.Get()
	WriteEvent(buf, id, event, data, retry)
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	return c.eng.Write(c.uuid, reactor.OwnedChunk(out))
}
