// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

//go:build linux
// +build linux

package reactor

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fio-core/fio/internal/logging"
)

// poller wraps epoll. It is the Linux half of the reactor's I/O
// multiplexer; the kqueue half lives in poller_bsd.go with the same API so
// eventloop.go never branches on OS.
type poller struct {
	fd       int
	wakeFD   int // eventfd used to interrupt EpollWait for queued tasks
	wakeCall int32

	taskMu sync.Mutex
	tasks  []func() error
}

func openPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &poller{fd: epfd, wakeFD: wfd}
	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wfd)
		return nil, os.NewSyscallError("epoll_ctl add wake", err)
	}
	return p, nil
}

func (p *poller) close() error {
	_ = unix.Close(p.wakeFD)
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *poller) addRead(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}))
}

func (p *poller) addReadWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}))
}

func (p *poller) modRead(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}))
}

func (p *poller) modReadWrite(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}))
}

func (p *poller) delete(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}

// trigger queues fn to run on the poller goroutine and wakes EpollWait.
func (p *poller) trigger(fn func() error) error {
	p.taskMu.Lock()
	p.tasks = append(p.tasks, fn)
	p.taskMu.Unlock()
	if atomic.CompareAndSwapInt32(&p.wakeCall, 0, 1) {
		buf := make([]byte, 8)
		buf[0] = 1
		_, err := unix.Write(p.wakeFD, buf)
		if err != nil && err != unix.EAGAIN {
			return os.NewSyscallError("eventfd write", err)
		}
	}
	return nil
}

func (p *poller) drainWake() {
	buf := make([]byte, 8)
	_, _ = unix.Read(p.wakeFD, buf)
	atomic.StoreInt32(&p.wakeCall, 0)
}

func (p *poller) runTasks() {
	p.taskMu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.taskMu.Unlock()
	for _, fn := range tasks {
		if err := fn(); err != nil {
			logging.Warnf("poller task error: %v", err)
		}
	}
}

// polling blocks, dispatching readable/writable events to handle and
// running queued tasks whenever the wake eventfd fires. tick is invoked
// once per loop iteration for timer-driven work (ticker, msg timeouts).
func (p *poller) polling(handle func(fd int, readable, writable bool) error, tick func()) error {
	events := make([]unix.EpollEvent, 128)
	for {
		tick()
		n, err := unix.EpollWait(p.fd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == p.wakeFD {
				p.drainWake()
				p.runTasks()
				continue
			}
			readable := ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			writable := ev.Events&unix.EPOLLOUT != 0
			if err := handle(fd, readable, writable); err != nil {
				return err
			}
		}
		if n == len(events) {
			events = make([]unix.EpollEvent, len(events)*2)
		}
	}
}
