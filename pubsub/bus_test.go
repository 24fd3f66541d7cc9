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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusPublishDeliversToExactSubscriber(t *testing.T) {
	b := NewBus()
	var got *Message
	b.Subscribe(0, []byte("room"), nil, func(h Handle, msg *Message) { got = msg }, nil, nil, nil)

	b.Publish(NewMessage(0, []byte("room"), []byte("hi"), false))
	if assert.NotNil(t, got) {
		assert.Equal(t, "hi", string(got.Payload))
	}
}

func TestBusPublishIsolatesByFilter(t *testing.T) {
	b := NewBus()
	var appGot, internalGot bool
	b.Subscribe(0, []byte("room"), nil, func(h Handle, msg *Message) { appGot = true }, nil, nil, nil)
	b.Subscribe(FilterClusterInternal, []byte("room"), nil, func(h Handle, msg *Message) { internalGot = true }, nil, nil, nil)

	b.Publish(NewMessage(FilterClusterInternal, []byte("room"), []byte("x"), false))

	assert.False(t, appGot, "a filter-0 subscriber must not see a FilterClusterInternal publish on the same channel name")
	assert.True(t, internalGot)
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	delivered := 0
	h := b.Subscribe(0, []byte("room"), nil, func(Handle, *Message) { delivered++ }, nil, nil, nil)

	b.Unsubscribe(h)
	b.Unsubscribe(h) // second call on an already-removed handle is a no-op

	b.Publish(NewMessage(0, []byte("room"), []byte("x"), false))
	assert.Equal(t, 0, delivered)
}

func TestBusUnsubscribeFiresOnUnsubCallback(t *testing.T) {
	b := NewBus()
	var gotU1, gotU2 interface{}
	h := b.Subscribe(0, []byte("room"), nil, func(Handle, *Message) {}, func(u1, u2 interface{}) {
		gotU1, gotU2 = u1, u2
	}, "a", 7)

	b.Unsubscribe(h)
	assert.Equal(t, "a", gotU1)
	assert.Equal(t, 7, gotU2)
}

func TestBusPatternSubscriptionMatchesAndRespectsFilter(t *testing.T) {
	b := NewBus()
	var matched []string
	b.Subscribe(0, []byte("room.*"), GlobMatch, func(h Handle, msg *Message) {
		matched = append(matched, string(msg.Channel))
	}, nil, nil, nil)

	b.Publish(NewMessage(0, []byte("room.1"), []byte("x"), false))
	b.Publish(NewMessage(FilterClusterInternal, []byte("room.2"), []byte("x"), false))

	assert.Equal(t, []string{"room.1"}, matched)
}

func TestBusSubscriberCountTracksFilterAndChannel(t *testing.T) {
	b := NewBus()
	assert.Equal(t, 0, b.SubscriberCount(0, []byte("room")))

	h1 := b.Subscribe(0, []byte("room"), nil, func(Handle, *Message) {}, nil, nil, nil)
	b.Subscribe(FilterClusterInternal, []byte("room"), nil, func(Handle, *Message) {}, nil, nil, nil)

	assert.Equal(t, 1, b.SubscriberCount(0, []byte("room")))
	assert.Equal(t, 1, b.SubscriberCount(FilterClusterInternal, []byte("room")))

	b.Unsubscribe(h1)
	assert.Equal(t, 0, b.SubscriberCount(0, []byte("room")))
}

// recordingEngine is a fake Engine recording every call, for Attach/Detach
// and fan-out tests.
type recordingEngine struct {
	mu        sync.Mutex
	subs      [][]byte
	published [][]byte
}

func (e *recordingEngine) Subscribe(channel []byte, match MatchFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, append([]byte(nil), channel...))
}
func (e *recordingEngine) Unsubscribe(channel []byte, match MatchFunc) {}
func (e *recordingEngine) Publish(channel, payload []byte, isJSON bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, append([]byte(nil), channel...))
}
func (e *recordingEngine) Name() string { return "recording" }

func TestBusAttachReplaysExistingSubscriptions(t *testing.T) {
	b := NewBus()
	b.Subscribe(0, []byte("room"), nil, func(Handle, *Message) {}, nil, nil, nil)

	eng := &recordingEngine{}
	b.Attach(eng)

	assert.Equal(t, [][]byte{[]byte("room")}, eng.subs)
}

func TestBusPublishForwardsToAttachedEnginesUnlessPinned(t *testing.T) {
	b := NewBus()
	eng := &recordingEngine{}
	b.Attach(eng)

	b.Publish(NewMessage(0, []byte("room"), []byte("x"), false))
	assert.Equal(t, [][]byte{[]byte("room")}, eng.published)

	msg := NewMessage(0, []byte("other"), []byte("x"), false)
	msg.Engine = localEngine{}
	b.Publish(msg)
	assert.Len(t, eng.published, 1, "a message pinned to one engine must not also fan out to every attached engine")
}

func TestBusDetachStopsFutureForwarding(t *testing.T) {
	b := NewBus()
	eng := &recordingEngine{}
	b.Attach(eng)
	b.Detach(eng)

	b.Publish(NewMessage(0, []byte("room"), []byte("x"), false))
	assert.Empty(t, eng.published)
}
