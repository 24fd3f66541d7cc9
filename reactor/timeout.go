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

package reactor

import (
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// timeoutEntry orders connections by their next-deadline, the same
// ordered-by-deadline structure the teacher backs its Redis request timeout
// tree with (core/message.go's timeoutTree), generalized here to drive
// spec.md §5 "each connection has a per-socket timeout; expiry invokes ping".
type timeoutEntry struct {
	deadline time.Time
	uuid     UUID
	seq      uint64 // breaks ties between equal deadlines
}

func (e *timeoutEntry) Less(than llrb.Item) bool {
	o := than.(*timeoutEntry)
	if e.deadline.Equal(o.deadline) {
		return e.seq < o.seq
	}
	return e.deadline.Before(o.deadline)
}

type timeoutTree struct {
	mu   sync.Mutex
	tree *llrb.LLRB
	byID map[UUID]*timeoutEntry
	seq  uint64
}

func newTimeoutTree() *timeoutTree {
	return &timeoutTree{tree: llrb.New(), byID: make(map[UUID]*timeoutEntry)}
}

func (t *timeoutTree) schedule(uuid UUID, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[uuid]; ok {
		t.tree.Delete(old)
	}
	t.seq++
	e := &timeoutEntry{deadline: deadline, uuid: uuid, seq: t.seq}
	t.byID[uuid] = e
	t.tree.ReplaceOrInsert(e)
}

func (t *timeoutTree) cancel(uuid UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[uuid]; ok {
		t.tree.Delete(e)
		delete(t.byID, uuid)
	}
}

// popExpired returns every entry whose deadline is at or before now, removing
// them from the tree (the caller reschedules live connections itself).
func (t *timeoutTree) popExpired(now time.Time) []UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []UUID
	for {
		min := t.tree.Min()
		if min == nil {
			break
		}
		e := min.(*timeoutEntry)
		if e.deadline.After(now) {
			break
		}
		t.tree.DeleteMin()
		delete(t.byID, e.uuid)
		expired = append(expired, e.uuid)
	}
	return expired
}
