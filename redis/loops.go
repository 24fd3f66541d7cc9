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

package redis

import (
	"bufio"
	"net"
	"time"

	"github.com/fio-core/fio/internal/logging"
	"github.com/fio-core/fio/pubsub"
)

// commandReadLoop reads one reply per queued command, in order, per
// spec.md §4.E "At most one command is in flight at a time... Replies
// route through the parser to the head-of-queue callback."
func (e *Engine) commandReadLoop(conn net.Conn, done <-chan struct{}) {
	br := bufio.NewReader(conn)
	r := newRESPReader(br)
	for {
		rep, err := r.readReply()
		if err != nil {
			select {
			case <-done:
			default:
				logging.Warnf("redis: command connection read failed: %v", err)
			}
			return
		}

		e.cmdMu.Lock()
		var pc *pendingCmd
		if len(e.queue) > 0 {
			pc = e.queue[0]
			e.queue = e.queue[1:]
		}
		var next *pendingCmd
		if len(e.queue) > 0 {
			next = e.queue[0]
		}
		bw := e.cmdBW
		e.cmdMu.Unlock()

		if pc != nil {
			if re, isErr := rep.isErr(); isErr {
				pc.cb(reply{}, re)
			} else {
				pc.cb(rep, nil)
			}
		}
		if next != nil && bw != nil {
			e.flushHead(conn, bw, next)
		}
	}
}

// subscribeReadLoop reads message/pmessage/subscribe/unsubscribe/pong
// frames off the dedicated subscribe connection and republishes data
// frames onto this process's local bus (see deliverInbound). It returns
// when the connection drops, so the caller can trigger a reconnect.
func (e *Engine) subscribeReadLoop(conn net.Conn) {
	br := bufio.NewReader(conn)
	r := newRESPReader(br)
	for {
		rep, err := r.readReply()
		if err != nil {
			logging.Warnf("redis: subscribe connection read failed: %v", err)
			return
		}
		if rep.Kind != '*' || len(rep.Array) < 3 {
			continue
		}
		kind := string(rep.Array[0].Bulk)
		switch kind {
		case "message":
			channel := rep.Array[1].Bulk
			payload := rep.Array[2].Bulk
			e.deliverInbound(channel, payload, nil)
		case "pmessage":
			if len(rep.Array) < 4 {
				continue
			}
			pattern := rep.Array[1].Bulk
			channel := rep.Array[2].Bulk
			payload := rep.Array[3].Bulk
			e.deliverInbound(channel, payload, pattern)
		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
			// Acknowledgement frames carry the new subscription count; no
			// action needed beyond having observed the connection is alive.
		case "pong":
		}
	}
}

// deliverInbound republishes a Redis-originated message onto the local bus
// with filter 0, so every local subscriber of the channel receives it. The
// message is pinned to redisEchoSink, so the Bus forwards it to no attached
// engine: it is not re-forwarded to Redis, and the cluster engines do not
// carry it to other workers either.
func (e *Engine) deliverInbound(channel, payload, pattern []byte) {
	msg := pubsub.NewMessage(0, append([]byte(nil), channel...), append([]byte(nil), payload...), false)
	msg.Engine = redisEchoSink{} // absorbs re-publish so this delivery doesn't loop back to Redis.
	e.bus.Publish(msg)
	_ = pattern
}

// redisEchoSink is a no-op Engine used to pin Message.Engine on
// Redis-originated publishes: Bus.Publish still runs local exact/pattern
// delivery, but skips forwarding back to every attached engine (which
// would otherwise bounce the message straight back to Redis).
type redisEchoSink struct{}

func (redisEchoSink) Subscribe([]byte, pubsub.MatchFunc)   {}
func (redisEchoSink) Unsubscribe([]byte, pubsub.MatchFunc) {}
func (redisEchoSink) Publish([]byte, []byte, bool)         {}
func (redisEchoSink) Name() string                         { return "redis-echo-sink" }

// pingLoop sends PING at the configured interval on both connections
// (spec.md §4.E "Idle ping: the engine sends PING at the configured
// interval on both connections"). It exits once either connection is
// closed out from under it.
func (e *Engine) pingLoop(cmdConn, subConn net.Conn) {
	if e.opts.PingInterval <= 0 {
		return
	}
	t := time.NewTicker(e.opts.PingInterval)
	defer t.Stop()
	for range t.C {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.cmdMu.Lock()
		bw, queueLen := e.cmdBW, len(e.queue)
		e.cmdMu.Unlock()
		if bw == nil {
			return
		}
		// A PING only goes out on the command connection when nothing else is
		// queued, so it doesn't jump the FIFO ahead of a real command.
		if queueLen == 0 {
			if err := writeCommand(bw, "PING"); err != nil || bw.Flush() != nil {
				return
			}
		}

		subBW := bufio.NewWriter(subConn)
		if err := writeCommand(subBW, "PING"); err != nil || subBW.Flush() != nil {
			return
		}
	}
}
