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
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// listenerRecord is a bound, listening socket registered with one event loop
// for accept() handling. Per spec.md §6, host:port selects TCP while an
// empty port with a filesystem-path host selects a UNIX socket.
type listenerRecord struct {
	fd      int
	network string
	addr    net.Addr
	onOpen  func(uuid UUID) error
	loop    *eventLoop
}

// parseListenAddr mirrors spec.md §6: "host:port TCP or a UNIX socket path
// when port is empty and host names a filesystem path".
func parseListenAddr(addr string) (network, path string, err error) {
	if strings.HasPrefix(addr, "unix://") {
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	}
	host, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil || port == "" {
		return "unix", addr, nil
	}
	_ = host
	return "tcp", addr, nil
}

func bindListen(network, address string, opts *Options) (fd int, sa unix.Sockaddr, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		tcpAddr, rerr := net.ResolveTCPAddr(network, address)
		if rerr != nil {
			return -1, nil, rerr
		}
		domain := unix.AF_INET
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, os.NewSyscallError("socket", err)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err = unix.Bind(fd, sa4); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(fd, 1024); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("listen", err)
		}
		return fd, sa4, nil
	case "unix":
		_ = unix.Unlink(address)
		fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, os.NewSyscallError("socket", err)
		}
		saU := &unix.SockaddrUnix{Name: address}
		if err = unix.Bind(fd, saU); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(fd, 1024); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("listen", err)
		}
		return fd, saU, nil
	default:
		return -1, nil, errUnsupportedNetwork(network)
	}
}

// dial opens a non-blocking client socket to address, for Engine.Connect.
// Unlike bindListen it does not bind or listen; the connect(2) call itself
// is issued non-blocking and treated as successful immediately (its
// completion, or failure, surfaces as the first writable/readable poller
// event on the new fd, matching the teacher's AsyncConnect pattern).
func dial(network, address string) (fd int, sa unix.Sockaddr, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		tcpAddr, rerr := net.ResolveTCPAddr(network, address)
		if rerr != nil {
			return -1, nil, rerr
		}
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, os.NewSyscallError("socket", err)
		}
		if cerr := unix.Connect(fd, sa4); cerr != nil && cerr != unix.EINPROGRESS {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("connect", cerr)
		}
		return fd, sa4, nil
	case "unix":
		saU := &unix.SockaddrUnix{Name: address}
		fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, os.NewSyscallError("socket", err)
		}
		if cerr := unix.Connect(fd, saU); cerr != nil && cerr != unix.EINPROGRESS {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("connect", cerr)
		}
		return fd, saU, nil
	default:
		return -1, nil, errUnsupportedNetwork(network)
	}
}

func errUnsupportedNetwork(network string) error {
	return &net.AddrError{Err: "unsupported network " + strconv.Quote(network), Addr: network}
}

func (ln *listenerRecord) close() error {
	return unix.Close(ln.fd)
}
