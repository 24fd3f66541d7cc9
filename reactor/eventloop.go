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
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/fio-core/fio/internal/logging"
)

// eventLoop owns one poller and a private fd->connRecord map; it is pinned
// to a single OS thread (spec.md §4.A: "one event-multiplexing loop … plus
// a fixed pool of task threads"). A connRecord never migrates loops, which
// is what gives "a protocol callback observes the reactor as single-threaded
// with respect to its own UUID" (spec.md §4.A) for free: only this
// goroutine ever touches a conn's fields, except via poller.trigger, whose
// tasks are themselves run on this same goroutine.
type eventLoop struct {
	idx         int
	engine      *Engine
	p           *poller
	connections map[int]*connRecord
	listeners   map[int]*listenerRecord
	readBuf     []byte

	lastReadChunk []byte
}

func newEventLoop(idx int, eng *Engine) (*eventLoop, error) {
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	return &eventLoop{
		idx:         idx,
		engine:      eng,
		p:           p,
		connections: make(map[int]*connRecord),
		listeners:   make(map[int]*listenerRecord),
		readBuf:     make([]byte, eng.opts.ReadBufferCap),
	}, nil
}

func (el *eventLoop) registerListener(ln *listenerRecord) error {
	ln.loop = el
	el.listeners[ln.fd] = ln
	return el.p.addRead(ln.fd)
}

func (el *eventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer el.closeAll()

	err := el.p.polling(el.handleEvent, el.tick)
	logging.Debugf("event-loop(%d) exiting: %v", el.idx, err)
	el.engine.loopExited(err)
}

func (el *eventLoop) closeAll() {
	for _, c := range el.connections {
		_ = el.closeConn(c, nil)
	}
}

func (el *eventLoop) handleEvent(fd int, readable, writable bool) error {
	if ln, ok := el.listeners[fd]; ok {
		return el.accept(ln)
	}
	c, ok := el.connections[fd]
	if !ok {
		return nil
	}
	if writable && len(c.outq) > 0 {
		if err := el.write(c); err != nil {
			return err
		}
	}
	if readable && c.opened {
		return el.read(c)
	}
	return nil
}

func (el *eventLoop) accept(ln *listenerRecord) error {
	for {
		nfd, sa, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.ECONNABORTED || err == unix.EMFILE || err == unix.ENFILE {
				logging.Warnf("accept on %v failed: %v", ln.addr, err)
				return nil
			}
			return os.NewSyscallError("accept4", err)
		}

		uuid := el.engine.reg.newUUID(nfd)
		c := &connRecord{
			fd:         nfd,
			uuid:       uuid,
			loop:       el,
			localAddr:  ln.addr,
			remoteAddr: sockaddrToAddr(sa),
			opened:     true,
		}
		c.setTimeout(el.engine.opts.DefaultTimeout)
		c.touch()
		el.connections[nfd] = c
		el.engine.reg.register(uuid, c)
		if err = el.p.addRead(nfd); err != nil {
			_ = unix.Close(nfd)
			delete(el.connections, nfd)
			continue
		}
		el.engine.stats().TotalConnections.WithLabelValues("server").Inc()
		el.engine.stats().CurrConnections.WithLabelValues("server").Inc()

		if ln.onOpen != nil {
			if err := ln.onOpen(uuid); err != nil {
				logging.Warnf("on_open rejected connection: %v", err)
				_ = el.closeConn(c, err)
				continue
			}
		}
		if c.protocol == nil {
			// spec.md §4.A: "on_open ... must attach a protocol or the connection is closed".
			_ = el.closeConn(c, nil)
		}
	}
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}

func (el *eventLoop) read(c *connRecord) error {
	n, err := c.rawRead(el.readBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return el.closeConn(c, os.NewSyscallError("read", err))
	}
	if n == 0 {
		return el.closeConn(c, nil)
	}
	c.touch()
	el.lastReadChunk = el.readBuf[:n]
	if c.protocol != nil {
		c.beginTask()
		c.protocol.OnData(c.uuid)
		c.endTask()
	}
	el.lastReadChunk = nil
	return nil
}

// lastReadChunk is populated immediately before OnData so Engine.Read can
// hand the just-arrived bytes to the protocol without a second syscall,
// mirroring the teacher's el.buffer / c.buffer handoff in core/eventloop.go.
func (el *eventLoop) peekLastRead() []byte { return el.lastReadChunk }

const iovMax = 1024

func (el *eventLoop) write(c *connRecord) error {
	wouldBlock, err := c.drainOnce()
	if err != nil {
		return el.closeConn(c, os.NewSyscallError("write", err))
	}
	if wouldBlock {
		return nil
	}
	if len(c.outq) == 0 {
		_ = el.p.modRead(c.fd)
		if c.closing {
			return el.closeConn(c, nil)
		}
		if c.protocol != nil {
			c.protocol.OnReady(c.uuid)
		}
	}
	return nil
}

func (el *eventLoop) closeConn(c *connRecord, err error) error {
	if !c.opened {
		return nil
	}
	c.opened = false

	// Best-effort flush of whatever is left, per spec.md §4.A close() semantics.
	for len(c.outq) > 0 {
		if _, werr := c.drainOnce(); werr != nil {
			break
		}
		if len(c.outq) > 0 {
			break // would block; give up, the peer gets a short write on close
		}
	}

	_ = el.p.delete(c.fd)
	_ = c.rawClose()
	delete(el.connections, c.fd)
	el.engine.reg.unregister(c.uuid)
	el.engine.reg.bump(c.fd)
	el.engine.stats().CurrConnections.WithLabelValues("server").Dec()

	el.finishClose(c, err)
	return nil
}

// finishClose defers the OnClose callback until every deferred task that was
// scheduled against this UUID has run, satisfying spec.md §8 invariant 1.
func (el *eventLoop) finishClose(c *connRecord, err error) {
	if c.protocol == nil {
		return
	}
	if c.tasksDrained() {
		c.protocol.OnClose(c.uuid, err)
		return
	}
	_ = el.p.trigger(func() error {
		el.finishClose(c, err)
		return nil
	})
}

func (el *eventLoop) tick() {
	el.engine.tick(el)
}
