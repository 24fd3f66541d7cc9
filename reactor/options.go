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

import "time"

// Option configures an Engine at construction time.
type Option func(*Options)

// Options are the tunables for a reactor Engine, mirroring the shape of the
// teacher's gnet Options but scoped to what spec.md §4.A calls for.
type Options struct {
	// ReadBufferCap bounds the per-readable-event read(2) buffer.
	ReadBufferCap int

	// WriteBufferCap is stored but not read by the engine: a connection's
	// outbound queue is not bounded or split by it.
	WriteBufferCap int

	// Threads is the number of I/O-multiplexing event loops per worker.
	Threads int

	// Workers is the worker count. Workers==1 runs the single worker
	// inline; Workers>1 makes Start run Workers-1 additional simulated
	// workers as in-process pub/sub buses linked over the cluster socket.
	// No OS worker processes are started.
	Workers int

	// DefaultTimeout is applied to a connection when no per-connection
	// timeout has been set with TimeoutSet.
	DefaultTimeout time.Duration

	// TCPKeepAlive is stored but not applied: SO_KEEPALIVE is not set on
	// accepted or dialed sockets.
	TCPKeepAlive time.Duration

	// SocketRecvBuffer / SocketSendBuffer are stored but not applied:
	// SO_RCVBUF/SO_SNDBUF keep the OS default.
	SocketRecvBuffer int
	SocketSendBuffer int

	// BackpressureHighWater is stored but not read: OnData keeps being
	// scheduled whatever the size of a UUID's outbound queue, and the queue
	// is not bounded.
	BackpressureHighWater int

	// TLS is stored but not consulted: Listen and Connect use raw sockets
	// and never call its WrapServer/WrapClient.
	TLS TLSProvider
}

func defaultOptions() *Options {
	return &Options{
		ReadBufferCap:  64 * 1024,
		WriteBufferCap: 64 * 1024,
		Threads:        1,
		Workers:        1,
		DefaultTimeout: 30 * time.Second,
	}
}

func loadOptions(opts ...Option) *Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// WithReadBufferCap sets the per-event read(2) buffer size.
func WithReadBufferCap(n int) Option { return func(o *Options) { o.ReadBufferCap = n } }

// WithWriteBufferCap sets Options.WriteBufferCap (not read by the engine).
func WithWriteBufferCap(n int) Option { return func(o *Options) { o.WriteBufferCap = n } }

// WithThreads sets the number of I/O-multiplexing loops per worker.
func WithThreads(n int) Option { return func(o *Options) { o.Threads = n } }

// WithWorkers sets the worker count (see Options.Workers).
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithDefaultTimeout sets the default per-connection idle timeout.
func WithDefaultTimeout(d time.Duration) Option { return func(o *Options) { o.DefaultTimeout = d } }

// WithTCPKeepAlive sets Options.TCPKeepAlive (not applied to sockets).
func WithTCPKeepAlive(d time.Duration) Option { return func(o *Options) { o.TCPKeepAlive = d } }

// WithSocketRecvBuffer sets Options.SocketRecvBuffer (not applied to sockets).
func WithSocketRecvBuffer(n int) Option { return func(o *Options) { o.SocketRecvBuffer = n } }

// WithSocketSendBuffer sets Options.SocketSendBuffer (not applied to sockets).
func WithSocketSendBuffer(n int) Option { return func(o *Options) { o.SocketSendBuffer = n } }

// WithBackpressureHighWater sets Options.BackpressureHighWater (not read by
// the engine).
func WithBackpressureHighWater(n int) Option {
	return func(o *Options) { o.BackpressureHighWater = n }
}

// WithTLS sets Options.TLS; Listen and Connect do not consult it.
func WithTLS(p TLSProvider) Option { return func(o *Options) { o.TLS = p } }

// TLSProvider exposes per-socket read/write/flush/close hooks and ALPN
// negotiation, per spec.md §1's external-collaborator boundary. The core
// never implements TLS itself; it only consults this interface.
type TLSProvider interface {
	// WrapServer returns hooks for an accepted fd, offering protos via ALPN.
	WrapServer(fd int, protos []string) (ReadWriteHooks, error)
	// WrapClient returns hooks for a dialed fd.
	WrapClient(fd int, serverName string, protos []string) (ReadWriteHooks, error)
}

// ReadWriteHooks replaces the default raw-syscall read/write/flush/close
// path for a connection (spec.md §3 connection record field (d)).
type ReadWriteHooks interface {
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Flush(fd int) error
	Close(fd int) error
	// NegotiatedProto returns the ALPN-selected protocol name, if any.
	NegotiatedProto() string
}
