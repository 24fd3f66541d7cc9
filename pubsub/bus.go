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

package pubsub

import (
	"encoding/binary"
	"sync"

	"github.com/cornelk/hashmap"
)

// OnMessage is invoked once per matching publish, on the goroutine that
// called Publish (spec.md §4.B: "delivery to a subscriber's callback is
// synchronous with respect to Publish's caller, one callback at a time per
// subscription").
type OnMessage func(handle Handle, msg *Message)

// OnUnsubscribe fires once, when Unsubscribe removes the subscription
// (spec.md §4.B). The Bus has no shutdown path that fires it.
type OnUnsubscribe func(u1, u2 interface{})

// Handle identifies one subscription; it is opaque to callers beyond
// passing it back to Unsubscribe.
type Handle uint64

type subscription struct {
	handle    Handle
	filter    int32
	channel   []byte
	pattern   bool
	match     MatchFunc
	onMessage OnMessage
	onUnsub   OnUnsubscribe
	u1, u2    interface{}
}

// channelEntry is the value stored per (filter, channel): the list of live
// subscriptions plus the reference count engines care about (spec.md §4.B:
// "engines are notified when a channel's subscriber count transitions
// 0<->1"). filter/channel are kept alongside the subs so Attach can replay
// the table into a newly attached engine without having to decode them back
// out of the hashmap key.
type channelEntry struct {
	filter  int32
	channel []byte

	mu   sync.Mutex
	subs []*subscription
}

// filterKey packs (filter, channel) into the hashmap key spec.md §3 calls
// for ("two tables keyed by (filter, channel)"): a fixed 4-byte big-endian
// filter prefix followed by the raw channel bytes, so two different filters
// publishing on the same channel name never share subscribers — the
// isolation FilterClusterInternal/FilterRedisInternal rely on.
func filterKey(filter int32, channel []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(filter))
	return string(b[:]) + string(channel)
}

// Bus is the in-process channel bus: exact + pattern subscription tables,
// and the set of attached Engines that mirror every (un)subscribe and
// re-publish inbound engine traffic locally. Grounded on the teacher's
// core/cluster.go ServerMap (cornelk/hashmap keyed concurrent table) and
// generalized from "address -> *Server" to "channel -> *channelEntry".
type Bus struct {
	exact hashmap.HashMap // filterKey(filter, channel) -> *channelEntry

	patMu    sync.Mutex
	patterns []*subscription // linear scan; pattern subscriptions are rare

	engMu   sync.Mutex
	engines []*refCountedEngine

	handleMu sync.Mutex
	nextH    Handle
	byHandle map[Handle]*subscription

	createMu sync.Mutex // guards create-if-absent on exact
}

// NewBus constructs an empty bus with no attached engines.
func NewBus() *Bus {
	return &Bus{byHandle: make(map[Handle]*subscription)}
}

func (b *Bus) allocHandle(s *subscription) Handle {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	b.nextH++
	s.handle = b.nextH
	b.byHandle[s.handle] = s
	return s.handle
}

// Subscribe registers a callback for an exact channel (match == nil) or a
// pattern (match != nil, e.g. GlobMatch) under the given filter, per
// spec.md §3 "Channel / subscription" (two tables keyed by (filter,
// channel)) and §4.B. u1/u2 are opaque caller context forwarded to
// onUnsub, matching facil.io's subscribe() signature. Application
// subscribers pass filter 0; FilterClusterInternal/FilterRedisInternal are
// reserved for the engines in cluster.go and redis/.
func (b *Bus) Subscribe(filter int32, channel []byte, match MatchFunc, onMessage OnMessage, onUnsub OnUnsubscribe, u1, u2 interface{}) Handle {
	ch := append([]byte(nil), channel...)
	s := &subscription{filter: filter, channel: ch, pattern: match != nil, match: match, onMessage: onMessage, onUnsub: onUnsub, u1: u1, u2: u2}
	h := b.allocHandle(s)

	if match != nil {
		b.patMu.Lock()
		b.patterns = append(b.patterns, s)
		b.patMu.Unlock()
		b.notifyEnginesSub(ch, match, true)
		return h
	}

	entry := b.entryFor(filter, ch, true)
	entry.mu.Lock()
	first := len(entry.subs) == 0
	entry.subs = append(entry.subs, s)
	entry.mu.Unlock()
	if first {
		b.notifyEnginesSub(ch, nil, true)
	}
	return h
}

// Unsubscribe removes a subscription by handle. Idempotent: unsubscribing
// an already-removed or unknown handle is a no-op (spec.md §4.B edge case).
func (b *Bus) Unsubscribe(h Handle) {
	b.handleMu.Lock()
	s, ok := b.byHandle[h]
	if ok {
		delete(b.byHandle, h)
	}
	b.handleMu.Unlock()
	if !ok {
		return
	}

	if s.pattern {
		b.patMu.Lock()
		for i, p := range b.patterns {
			if p == s {
				b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
				break
			}
		}
		b.patMu.Unlock()
		b.notifyEnginesSub(s.channel, s.match, false)
	} else {
		if entry, ok := b.lookupEntry(s.filter, s.channel); ok {
			entry.mu.Lock()
			last := false
			for i, x := range entry.subs {
				if x == s {
					entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
					break
				}
			}
			last = len(entry.subs) == 0
			entry.mu.Unlock()
			if last {
				b.notifyEnginesSub(s.channel, nil, false)
			}
		}
	}

	if s.onUnsub != nil {
		s.onUnsub(s.u1, s.u2)
	}
}

// Publish delivers msg to every matching local subscription under
// msg.Filter and, unless msg.Engine pins a specific engine, forwards it to
// every attached engine for cluster/Redis fan-out (spec.md §4.A publish() /
// §4.B delivery contract: "for each published message with filter == F,
// look up subscribers under (F, channel)"). A subscription under a
// different filter on the same channel name never sees this message —
// the isolation FilterClusterInternal/FilterRedisInternal depend on.
func (b *Bus) Publish(msg *Message) {
	delivered := 0
	if entry, ok := b.lookupEntry(msg.Filter, msg.Channel); ok {
		entry.mu.Lock()
		subs := append([]*subscription(nil), entry.subs...)
		entry.mu.Unlock()
		for _, s := range subs {
			s.onMessage(s.handle, msg)
			delivered++
		}
	}

	b.patMu.Lock()
	pats := append([]*subscription(nil), b.patterns...)
	b.patMu.Unlock()
	for _, s := range pats {
		if s.filter == msg.Filter && s.match(s.channel, msg.Channel) {
			s.onMessage(s.handle, msg)
			delivered++
		}
	}

	if msg.Engine != nil {
		msg.Engine.Publish(msg.Channel, msg.Payload, msg.IsJSON)
		return
	}
	b.engMu.Lock()
	engines := append([]*refCountedEngine(nil), b.engines...)
	b.engMu.Unlock()
	for _, e := range engines {
		e.Publish(msg.Channel, msg.Payload, msg.IsJSON)
	}
}

// Attach connects an engine to the bus and replays the current exact and
// pattern subscription set into it, per spec.md §3: "attaching an engine
// re-plays the current subscription set into it".
func (b *Bus) Attach(e Engine) {
	rc := &refCountedEngine{Engine: e, refs: 1}
	b.engMu.Lock()
	b.engines = append(b.engines, rc)
	b.engMu.Unlock()

	for kv := range b.exact.Iter() {
		entry := kv.Value.(*channelEntry)
		entry.mu.Lock()
		has := len(entry.subs) > 0
		entry.mu.Unlock()
		if has {
			e.Subscribe(entry.channel, nil)
		}
	}
	b.patMu.Lock()
	for _, s := range b.patterns {
		e.Subscribe(s.channel, s.match)
	}
	b.patMu.Unlock()
}

// Detach disconnects an engine from the bus. Repeated detach of the same
// engine is a no-op.
func (b *Bus) Detach(e Engine) {
	b.engMu.Lock()
	defer b.engMu.Unlock()
	for i, rc := range b.engines {
		if rc.Engine == e {
			b.engines = append(b.engines[:i], b.engines[i+1:]...)
			return
		}
	}
}

// Reattach detaches the old engine and attaches the new one, replaying the
// subscription set, for the engine-reconnect case (spec.md §4.B Redis
// reconnect, cluster link flap).
func (b *Bus) Reattach(old, new Engine) {
	if old != nil {
		b.Detach(old)
	}
	b.Attach(new)
}

func (b *Bus) notifyEnginesSub(channel []byte, match MatchFunc, sub bool) {
	b.engMu.Lock()
	engines := append([]*refCountedEngine(nil), b.engines...)
	b.engMu.Unlock()
	for _, e := range engines {
		if sub {
			e.Subscribe(channel, match)
		} else {
			e.Unsubscribe(channel, match)
		}
	}
}

func (b *Bus) entryFor(filter int32, channel []byte, create bool) *channelEntry {
	key := filterKey(filter, channel)
	if v, ok := b.exact.Get(key); ok {
		return v.(*channelEntry)
	}
	if !create {
		return nil
	}
	// cornelk/hashmap has no atomic get-or-insert in the version the teacher
	// pins; createMu serializes the check-then-insert race for new channels.
	b.createMu.Lock()
	defer b.createMu.Unlock()
	if v, ok := b.exact.Get(key); ok {
		return v.(*channelEntry)
	}
	entry := &channelEntry{filter: filter, channel: append([]byte(nil), channel...)}
	b.exact.Insert(key, entry)
	return entry
}

func (b *Bus) lookupEntry(filter int32, channel []byte) (*channelEntry, bool) {
	v, ok := b.exact.Get(filterKey(filter, channel))
	if !ok {
		return nil, false
	}
	return v.(*channelEntry), true
}

// SubscriberCount reports the number of live subscriptions on an exact
// (filter, channel) pair, for metrics (internal/stats PubSubSubscribers).
func (b *Bus) SubscriberCount(filter int32, channel []byte) int {
	entry, ok := b.lookupEntry(filter, channel)
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.subs)
}
