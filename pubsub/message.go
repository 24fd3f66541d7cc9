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

// Package pubsub implements the in-process channel bus, pattern (glob)
// subscriptions, and the pluggable engine interface described in spec.md
// §3 ("Channel / subscription", "Published message", "Engine") and §4.B.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// Message is a published payload in flight (spec.md §3 "Published message").
// Filter is a signed integer selector; negative filters are reserved for
// internal routing (the cluster engine and the Redis engine both claim a
// private range, see cluster.go and the redis package).
type Message struct {
	ID      string // random correlation id, for logging/dedup (google/uuid)
	Filter  int32
	Channel []byte
	Payload []byte
	IsJSON  bool
	// Engine, when non-nil, forwards this publish to that one engine instead
	// of every attached engine; local subscribers still receive it.
	Engine Engine

	metaMu sync.Mutex
	meta   map[int]*metaSlot
}

// metaSlot lazily computes a per-message, per-type representation exactly
// once regardless of how many subscribers ask for it concurrently (spec.md
// §4.B "message_metadata_callback_set" / §4.D "the RFC 6455 wrapping is
// computed once per message and the bytes are shared across all recipients
// in the process").
type metaSlot struct {
	once sync.Once
	val  interface{}
}

// NewMessage stamps a fresh random ID on a message.
func NewMessage(filter int32, channel, payload []byte, isJSON bool) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Filter:  filter,
		Channel: channel,
		Payload: payload,
		IsJSON:  isJSON,
	}
}

// Meta returns the cached value for kind, computing it with compute() the
// first time any subscriber asks (and never again), so a broadcast
// optimizer (e.g. the WebSocket bridge's pre-wrapped frame) pays the cost
// once per message no matter how many local subscribers receive it.
func (m *Message) Meta(kind int, compute func() interface{}) interface{} {
	m.metaMu.Lock()
	if m.meta == nil {
		m.meta = make(map[int]*metaSlot)
	}
	s, ok := m.meta[kind]
	if !ok {
		s = &metaSlot{}
		m.meta[kind] = s
	}
	m.metaMu.Unlock()
	s.once.Do(func() { s.val = compute() })
	return s.val
}

// Reserved negative filter ranges (spec.md §3: "negative filters are
// reserved for internal routing").
const (
	FilterClusterInternal int32 = -1 // cluster-engine control traffic
	FilterRedisInternal   int32 = -2 // per-pid redis_engine_send/reply channel
)
