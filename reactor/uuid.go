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

	"github.com/cornelk/hashmap"
)

// UUID is a generation-tagged socket handle: fd in the low 40 bits,
// generation in the high 24 bits. It is not an RFC 4122 identifier
// (spec.md GLOSSARY). When the kernel recycles an fd, the stored
// generation is bumped so stale UUIDs fail IsValid.
type UUID uint64

const (
	fdBits   = 40
	fdMask   = (uint64(1) << fdBits) - 1
	genShift = fdBits
)

func makeUUID(fd int, gen uint32) UUID {
	return UUID(uint64(fd)&fdMask | (uint64(gen) << genShift))
}

// FD returns the file descriptor encoded in the UUID.
func (u UUID) FD() int { return int(uint64(u) & fdMask) }

func (u UUID) generation() uint32 { return uint32(uint64(u) >> genShift) }

// registry is the process-wide UUID table (spec.md §3/§9 "global mutable
// state … model each as a typed singleton"). gens holds the *current*
// generation for each live fd; conns maps UUID -> *connRecord for
// cross-goroutine dispatch (write/close/defer_io called from outside the
// owning event loop).
type registry struct {
	mu    sync.RWMutex
	gens  []uint32
	conns hashmap.HashMap // UUID -> *connRecord
}

func newRegistry() *registry {
	return &registry{gens: make([]uint32, 1024)}
}

func (r *registry) newUUID(fd int) UUID {
	r.mu.Lock()
	for fd >= len(r.gens) {
		r.gens = append(r.gens, make([]uint32, len(r.gens))...)
	}
	gen := r.gens[fd]
	r.mu.Unlock()
	return makeUUID(fd, gen)
}

// bump invalidates every UUID currently pointing at fd by incrementing its
// generation, so the entry a late task holds fails IsValid.
func (r *registry) bump(fd int) {
	r.mu.Lock()
	if fd < len(r.gens) {
		r.gens[fd]++
	}
	r.mu.Unlock()
}

// IsValid reports whether u's generation still matches the fd's current
// generation (spec.md §3 invariant).
func (r *registry) IsValid(u UUID) bool {
	fd := u.FD()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fd < len(r.gens) && r.gens[fd] == u.generation()
}

func (r *registry) register(u UUID, c *connRecord) { r.conns.Insert(uint64(u), c) }

func (r *registry) lookup(u UUID) (*connRecord, bool) {
	v, ok := r.conns.Get(uint64(u))
	if !ok {
		return nil, false
	}
	return v.(*connRecord), true
}

func (r *registry) unregister(u UUID) { r.conns.Del(uint64(u)) }
