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

//go:build linux || freebsd || dragonfly || darwin

package reactor

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// connRecord is the reactor's private per-fd state (spec.md §3 "Connection
// record"). The application never sees this type directly; it interacts
// through a UUID and the Engine's read/write/close/defer_io operations.
type connRecord struct {
	fd         int
	uuid       UUID
	loop       *eventLoop
	localAddr  net.Addr
	remoteAddr net.Addr

	protocol Protocol
	hooks    ReadWriteHooks // nil => raw syscalls

	outq   []Chunk // outbound byte queue, head = outq[0]
	opened bool
	closing bool

	lastActivity int64 // unix nanos, atomic
	timeoutNS    int64 // time.Duration nanos, atomic

	pendingTasks int32 // atomic, tasks in flight that reference this UUID
}

func (c *connRecord) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *connRecord) idleFor(now time.Time) time.Duration {
	last := atomic.LoadInt64(&c.lastActivity)
	return now.Sub(time.Unix(0, last))
}

func (c *connRecord) setTimeout(d time.Duration) { atomic.StoreInt64(&c.timeoutNS, int64(d)) }
func (c *connRecord) getTimeout() time.Duration  { return time.Duration(atomic.LoadInt64(&c.timeoutNS)) }

func (c *connRecord) outboundBytes() int {
	n := 0
	for _, ch := range c.outq {
		n += ch.len()
	}
	return n
}

// rawRead reads directly from the fd, or via TLS hooks when attached.
func (c *connRecord) rawRead(buf []byte) (int, error) {
	if c.hooks != nil {
		return c.hooks.Read(c.fd, buf)
	}
	return unix.Read(c.fd, buf)
}

func (c *connRecord) rawWrite(buf []byte) (int, error) {
	if c.hooks != nil {
		return c.hooks.Write(c.fd, buf)
	}
	return unix.Write(c.fd, buf)
}

func (c *connRecord) rawClose() error {
	if c.hooks != nil {
		_ = c.hooks.Flush(c.fd)
		return c.hooks.Close(c.fd)
	}
	return unix.Close(c.fd)
}

// enqueue appends a chunk to the outbound queue (spec.md §4.A write()).
func (c *connRecord) enqueue(ch Chunk) {
	c.outq = append(c.outq, ch)
}

// drainOnce attempts to write as much of the head of the queue as the
// socket will currently accept. It returns (wouldBlock, err). File chunks
// are sent via pread+write fallback (no cgo sendfile wrapper is wired here;
// see DESIGN.md) advancing Offset/Length in place.
func (c *connRecord) drainOnce() (wouldBlock bool, err error) {
	for len(c.outq) > 0 {
		head := &c.outq[0]
		var n int
		if head.isFile() {
			n, err = c.writeFileChunk(head.File)
		} else {
			n, err = c.rawWrite(head.bytes())
		}
		if err != nil {
			if err == unix.EAGAIN {
				return true, nil
			}
			return false, err
		}
		if n == 0 {
			return true, nil
		}
		if !head.isFile() {
			consumed := head.bytes()[n:]
			if head.Owned != nil {
				head.Owned = consumed
			} else {
				if n == len(head.Borrowed) && head.Dealloc != nil {
					head.Dealloc(head.Borrowed)
				}
				head.Borrowed = consumed
			}
			if len(consumed) > 0 {
				return false, nil // partial write, try again on next writable event
			}
		} else if head.File.Length > 0 {
			return false, nil // file not fully sent, continue on next writable event
		}
		c.outq = c.outq[1:]
	}
	return false, nil
}

func (c *connRecord) writeFileChunk(f *FileChunk) (int, error) {
	buf := make([]byte, minInt(int(f.Length), 64*1024))
	n, err := unix.Pread(f.FD, buf, f.Offset)
	if err != nil || n == 0 {
		return 0, err
	}
	wn, werr := c.rawWrite(buf[:n])
	if werr != nil {
		return 0, werr
	}
	f.Offset += int64(wn)
	f.Length -= int64(wn)
	return wn, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *connRecord) beginTask() { atomic.AddInt32(&c.pendingTasks, 1) }
func (c *connRecord) endTask()   { atomic.AddInt32(&c.pendingTasks, -1) }
func (c *connRecord) tasksDrained() bool {
	return atomic.LoadInt32(&c.pendingTasks) == 0
}
