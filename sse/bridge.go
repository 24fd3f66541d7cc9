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
	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
)

// directDeliveryMetaKind identifies the cached rendering of a message as a
// bare "data: ..." event with no id/event/retry fields — the default
// sse_subscribe delivery (spec.md §4.D "the default delivers published
// messages as data: events"). Chosen well clear of the ws package's
// metaKind range (0-5) since both packages may cache on the same
// *pubsub.Message when a publish fans out to both WebSocket and SSE
// subscribers on one channel.
const directDeliveryMetaKind = 1 << 16

// wrapOnce renders msg.Payload as a bare SSE "data:" event exactly once per
// message no matter how many local SSE subscribers share the channel,
// mirroring the WebSocket bridge's broadcast optimizer (spec.md §4.D
// "sse_subscribe ... mirrors the WebSocket bridge").
func wrapOnce(msg *pubsub.Message) []byte {
	v := msg.Meta(directDeliveryMetaKind, func() interface{} {
		buf := bytebufferpool.Get()
		WriteEvent(buf, "", "", msg.Payload, 0)
		out := append([]byte(nil), buf.Bytes()...)
		bytebufferpool.Put(buf)
		return out
	})
	return v.([]byte)
}

// Subscribe bridges an SSE connection to a pub/sub channel (spec.md §4.D
// "sse_subscribe(sse, channel, on_message?)"). When onMessage is nil,
// matching publishes are written directly as "data:" events using the
// shared broadcast optimizer.
func (c *Conn) Subscribe(bus *pubsub.Bus, filter int32, channel []byte, match pubsub.MatchFunc, onMessage func(uuid interface{}, msg *pubsub.Message)) pubsub.Handle {
	h := bus.Subscribe(filter, channel, match, func(handle pubsub.Handle, msg *pubsub.Message) {
		if onMessage != nil {
			onMessage(c.uuid, msg)
			return
		}
		event := wrapOnce(msg)
		_ = c.eng.Write(c.uuid, reactor.OwnedChunk(event))
	}, nil, c.uuid, nil)

	c.subs = append(c.subs, h)
	return h
}
