// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2021 Andy Pan
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

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package reactor

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fio-core/fio/internal/logging"
)

// poller wraps kqueue, grounded directly on the teacher's
// core/internal/netpoll kqueue implementation: an EVFILT_USER note used to
// interrupt Kevent for queued tasks.
type poller struct {
	fd       int
	wakeCall int32

	taskMu sync.Mutex
	tasks  []func() error
}

var wakeNote = []unix.Kevent_t{{Ident: 0, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}}

func openPoller() (*poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident: 0, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	return &poller{fd: fd}, nil
}

func (p *poller) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *poller) addRead(fd int) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{ev}, nil, nil)
	return os.NewSyscallError("kevent add read", err)
}

func (p *poller) addReadWrite(fd int) error {
	evs := []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ},
		{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE},
	}
	_, err := unix.Kevent(p.fd, evs, nil, nil)
	return os.NewSyscallError("kevent add read|write", err)
}

func (p *poller) modRead(fd int) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{ev}, nil, nil)
	return os.NewSyscallError("kevent del write", err)
}

func (p *poller) modReadWrite(fd int) error {
	ev := unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{ev}, nil, nil)
	return os.NewSyscallError("kevent add write", err)
}

func (p *poller) delete(_ int) error { return nil }

func (p *poller) trigger(fn func() error) error {
	p.taskMu.Lock()
	p.tasks = append(p.tasks, fn)
	p.taskMu.Unlock()
	if atomic.CompareAndSwapInt32(&p.wakeCall, 0, 1) {
		if _, err := unix.Kevent(p.fd, wakeNote, nil, nil); err != nil && err != unix.EAGAIN {
			return os.NewSyscallError("kevent trigger", err)
		}
	}
	return nil
}

func (p *poller) runTasks() {
	atomic.StoreInt32(&p.wakeCall, 0)
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

func (p *poller) polling(handle func(fd int, readable, writable bool) error, tick func()) error {
	events := make([]unix.Kevent_t, 128)
	ts := unix.Timespec{Sec: 0, Nsec: int64(200 * 1e6)}
	for {
		tick()
		n, err := unix.Kevent(p.fd, nil, events, &ts)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			continue
		} else if err != nil {
			return os.NewSyscallError("kevent wait", err)
		}
		for i := 0; i < n; i++ {
			ev := &events[i]
			if ev.Ident == 0 && ev.Filter == unix.EVFILT_USER {
				p.runTasks()
				continue
			}
			fd := int(ev.Ident)
			readable := ev.Filter == unix.EVFILT_READ || ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
			writable := ev.Filter == unix.EVFILT_WRITE
			if err := handle(fd, readable, writable); err != nil {
				return err
			}
		}
		if n == len(events) {
			events = make([]unix.Kevent_t, len(events)*2)
		}
	}
}
