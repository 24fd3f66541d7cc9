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
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
)

// OptimizerKind selects one of the three broadcast optimizer slots (spec.md
// §4.D "Broadcast optimizer types"): GENERIC autodetects text vs binary by
// UTF-8 validity with a size cutoff, TEXT/BINARY force the opcode.
type OptimizerKind int

const (
	OptimizerGeneric OptimizerKind = iota
	OptimizerText
	OptimizerBinary
)

// genericSniffLimit bounds how much of a payload GENERIC mode UTF-8-checks
// before giving up and treating it as binary (spec.md §4.D: "autodetect
// text vs binary by UTF-8 validity with a size cutoff").
const genericSniffLimit = 4096

// metaKind maps an (OptimizerKind, isClient) pair to a Message.Meta slot so
// a server-mode and a client-mode subscriber sharing one published message
// never reuse each other's mask-less/masked frame bytes.
func metaKind(kind OptimizerKind, isClient bool) int {
	k := int(kind) << 1
	if isClient {
		k |= 1
	}
	return k
}

// wrapOnce renders msg.Payload as a complete frame (or fragmented frame
// sequence) exactly once per (kind, isClient) no matter how many
// subscribers ask (spec.md §4.D: "the RFC 6455 wrapping is computed once
// per message and the bytes are shared across all recipients in the
// process").
func wrapOnce(msg *pubsub.Message, kind OptimizerKind, isClient bool, fragmentLimit int) []byte {
	v := msg.Meta(metaKind(kind, isClient), func() interface{} {
		isText := kind == OptimizerText
		if kind == OptimizerGeneric {
			n := len(msg.Payload)
			if n > genericSniffLimit {
				n = genericSniffLimit
			}
			isText = utf8.Valid(msg.Payload[:n])
		}
		buf := bytebufferpool.Get()
		WriteMessage(buf, msg.Payload, isText, isClient, fragmentLimit)
		out := append([]byte(nil), buf.Bytes()...)
		bytebufferpool.Put(buf)
		return out
	})
	return v.([]byte)
}

// Subscribe bridges a WebSocket connection to a pub/sub channel (spec.md
// §4.D "websocket_subscribe"). When onMessage is nil, matching publishes
// are written directly to the socket as framed text/binary, using the
// shared broadcast optimizer so the RFC 6455 wrapping is computed once per
// message regardless of how many local WebSocket subscribers share the
// channel.
func (c *Conn) Subscribe(bus *pubsub.Bus, filter int32, channel []byte, match pubsub.MatchFunc, onMessage func(uuid interface{}, msg *pubsub.Message), forceText, forceBinary bool) pubsub.Handle {
	kind := OptimizerGeneric
	switch {
	case forceText:
		kind = OptimizerText
	case forceBinary:
		kind = OptimizerBinary
	}

	h := bus.Subscribe(filter, channel, match, func(handle pubsub.Handle, msg *pubsub.Message) {
		if onMessage != nil {
			onMessage(c.uuid, msg)
			return
		}
		frame := wrapOnce(msg, kind, c.isClient, c.opts.FragmentLimit)
		_ = c.eng.Write(c.uuid, reactor.OwnedChunk(frame))
	}, nil, c.uuid, nil)

	c.subs = append(c.subs, h)
	return h
}
