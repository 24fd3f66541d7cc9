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
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fio-core/fio/internal/logging"
)

// Cluster wire flags (spec.md §4.B).
const (
	flagIsJSON uint16 = 1 << iota
	flagIsSubscribe
	flagIsUnsubscribe
	flagIsPattern
	flagIsPing
)

const clusterHeaderLen = 16

// clusterHeader is the fixed 16-byte frame header: payload_len:u32,
// filter:i32, flags:u16, reserved:u16, msg_id:u32 (spec.md §4.B).
type clusterHeader struct {
	PayloadLen uint32
	Filter     int32
	Flags      uint16
	Reserved   uint16
	MsgID      uint32
}

func (h clusterHeader) encode() []byte {
	b := make([]byte, clusterHeaderLen)
	binary.BigEndian.PutUint32(b[0:4], h.PayloadLen)
	binary.BigEndian.PutUint32(b[4:8], uint32(h.Filter))
	binary.BigEndian.PutUint16(b[8:10], h.Flags)
	binary.BigEndian.PutUint16(b[10:12], h.Reserved)
	binary.BigEndian.PutUint32(b[12:16], h.MsgID)
	return b
}

func decodeClusterHeader(b []byte) clusterHeader {
	return clusterHeader{
		PayloadLen: binary.BigEndian.Uint32(b[0:4]),
		Filter:     int32(binary.BigEndian.Uint32(b[4:8])),
		Flags:      binary.BigEndian.Uint16(b[8:10]),
		Reserved:   binary.BigEndian.Uint16(b[10:12]),
		MsgID:      binary.BigEndian.Uint32(b[12:16]),
	}
}

// SockPath returns the well-known cluster IPC path for a root pid, per
// spec.md §6: "/<runtime_dir>/fio-<ppid>.sock".
func SockPath(runtimeDir string, rootPID int) string {
	return fmt.Sprintf("%s/fio-%d.sock", runtimeDir, rootPID)
}

// clusterLink is one UNIX-domain connection in the root<->worker mesh,
// shared by the root-side and worker-side cluster engine implementations.
type clusterLink struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

func (l *clusterLink) send(h clusterHeader, channel, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chLen := make([]byte, 2)
	binary.BigEndian.PutUint16(chLen, uint16(len(channel)))
	h.PayloadLen = uint32(2 + len(channel) + len(payload))
	if _, err := l.conn.Write(h.encode()); err != nil {
		return err
	}
	if _, err := l.conn.Write(chLen); err != nil {
		return err
	}
	if _, err := l.conn.Write(channel); err != nil {
		return err
	}
	_, err := l.conn.Write(payload)
	return err
}

func (l *clusterLink) readFrame() (clusterHeader, []byte, []byte, error) {
	hdr := make([]byte, clusterHeaderLen)
	if _, err := io.ReadFull(l.conn, hdr); err != nil {
		return clusterHeader{}, nil, nil, err
	}
	h := decodeClusterHeader(hdr)
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(l.conn, payload); err != nil {
		return h, nil, nil, err
	}
	if len(payload) < 2 {
		return h, nil, nil, fmt.Errorf("pubsub: cluster frame payload too short")
	}
	chLen := binary.BigEndian.Uint16(payload[0:2])
	if int(chLen)+2 > len(payload) {
		return h, nil, nil, fmt.Errorf("pubsub: cluster frame channel length overflow")
	}
	channel := payload[2 : 2+chLen]
	message := payload[2+chLen:]
	return h, channel, message, nil
}

// RootEngine listens on a UNIX socket and fans messages between the root
// process and every connected worker (spec.md §4.B "Cluster engine (root
// ↔ workers)"). It also delivers locally via the Bus it wraps.
type RootEngine struct {
	ln   net.Listener
	bus  *Bus
	mu   sync.Mutex
	link map[*clusterLink]struct{}
}

// ListenCluster opens the root-side UNIX listener and starts accepting
// worker connections, mirroring each worker's publishes to the others and
// to the local bus.
func ListenCluster(path string, bus *Bus) (*RootEngine, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	r := &RootEngine{ln: ln, bus: bus, link: make(map[*clusterLink]struct{})}
	go r.acceptLoop()
	return r, nil
}

func (r *RootEngine) acceptLoop() {
	for {
		c, err := r.ln.Accept()
		if err != nil {
			return
		}
		link := &clusterLink{conn: c}
		r.mu.Lock()
		r.link[link] = struct{}{}
		r.mu.Unlock()
		go r.serve(link)
	}
}

func (r *RootEngine) serve(link *clusterLink) {
	defer func() {
		r.mu.Lock()
		delete(r.link, link)
		r.mu.Unlock()
		_ = link.conn.Close()
	}()
	for {
		h, channel, message, err := link.readFrame()
		if err != nil {
			return
		}
		switch {
		case h.Flags&flagIsPing != 0:
			_ = link.send(clusterHeader{Filter: FilterClusterInternal, Flags: flagIsPing}, nil, nil)
		case h.Flags&flagIsSubscribe != 0, h.Flags&flagIsUnsubscribe != 0:
			// Subscription deltas are recorded by the root's own bus attach/detach
			// calls; nothing further to do here in this simplified model.
		default:
			msg := NewMessage(h.Filter, channel, message, h.Flags&flagIsJSON != 0)
			msg.Engine = localEngine{} // root's local delivery only; not echoed to any worker
			r.bus.Publish(msg)
			r.broadcast(h, channel, message, link)
		}
	}
}

func (r *RootEngine) broadcast(h clusterHeader, channel, message []byte, except *clusterLink) {
	r.mu.Lock()
	links := make([]*clusterLink, 0, len(r.link))
	for l := range r.link {
		if l != except {
			links = append(links, l)
		}
	}
	r.mu.Unlock()
	for _, l := range links {
		if err := l.send(h, channel, message); err != nil {
			logging.Warnf("cluster: fan-out to worker failed: %v", err)
		}
	}
}

// Subscribe is a no-op on the root side: subscription intent from a worker
// only needs to be known to workers sharing that channel, which happens
// via normal publish fan-out; the root itself uses Bus directly.
func (r *RootEngine) Subscribe(channel []byte, match MatchFunc) {}
func (r *RootEngine) Unsubscribe(channel []byte, match MatchFunc) {}

// Publish fans a root-originated publish out to every connected worker.
func (r *RootEngine) Publish(channel, payload []byte, isJSON bool) {
	flags := uint16(0)
	if isJSON {
		flags |= flagIsJSON
	}
	r.broadcast(clusterHeader{Filter: FilterClusterInternal, Flags: flags}, channel, payload, nil)
}

func (r *RootEngine) Name() string { return "cluster-root" }

// Close shuts down the root listener and every worker link.
func (r *RootEngine) Close() error {
	r.mu.Lock()
	for l := range r.link {
		_ = l.conn.Close()
	}
	r.mu.Unlock()
	return r.ln.Close()
}

// WorkerEngine is the worker-side half of the cluster mesh: it dials the
// root's UNIX socket, forwards local subscribe/publish intent to root, and
// republishes frames received from root onto the local Bus.
type WorkerEngine struct {
	path string
	bus  *Bus

	mu   sync.Mutex
	link *clusterLink

	pingInterval time.Duration
	stopCh       chan struct{}
}

// DialCluster connects a worker to the root process's cluster socket and
// begins the read loop plus a ping/pong keepalive (spec.md §4 SUPPLEMENTED
// FEATURES: "Cluster engine ping/pong keepalive").
func DialCluster(path string, bus *Bus, pingInterval time.Duration) (*WorkerEngine, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	w := &WorkerEngine{path: path, bus: bus, link: &clusterLink{conn: conn}, pingInterval: pingInterval, stopCh: make(chan struct{})}
	go w.readLoop()
	if pingInterval > 0 {
		go w.pingLoop()
	}
	return w, nil
}

func (w *WorkerEngine) readLoop() {
	for {
		h, channel, message, err := w.link.readFrame()
		if err != nil {
			logging.Warnf("cluster: worker link to root lost: %v", err)
			w.reconnect()
			return
		}
		if h.Flags&flagIsPing != 0 {
			continue
		}
		msg := NewMessage(h.Filter, channel, message, h.Flags&flagIsJSON != 0)
		msg.Engine = localEngine{} // deliver locally; do not forward back to root
		w.bus.Publish(msg)
	}
}

func (w *WorkerEngine) pingLoop() {
	t := time.NewTicker(w.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.mu.Lock()
			link := w.link
			w.mu.Unlock()
			_ = link.send(clusterHeader{Filter: FilterClusterInternal, Flags: flagIsPing}, nil, nil)
		case <-w.stopCh:
			return
		}
	}
}

// reconnect retries the root connection with a fixed backoff until it
// succeeds or Close is called, then replays the bus's subscriptions (the
// same replay contract Bus.Attach already provides).
func (w *WorkerEngine) reconnect() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		conn, err := net.Dial("unix", w.path)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		newLink := &clusterLink{conn: conn}
		w.mu.Lock()
		old := w.link
		w.link = newLink
		w.mu.Unlock()
		_ = old.conn.Close()
		w.bus.Reattach(w, w)
		go w.readLoop()
		return
	}
}

func (w *WorkerEngine) Subscribe(channel []byte, match MatchFunc) {
	flags := uint16(flagIsSubscribe)
	if match != nil {
		flags |= flagIsPattern
	}
	w.mu.Lock()
	link := w.link
	w.mu.Unlock()
	if err := link.send(clusterHeader{Filter: FilterClusterInternal, Flags: flags}, channel, nil); err != nil {
		logging.Warnf("cluster: subscribe forward failed: %v", err)
	}
}

func (w *WorkerEngine) Unsubscribe(channel []byte, match MatchFunc) {
	flags := uint16(flagIsUnsubscribe)
	if match != nil {
		flags |= flagIsPattern
	}
	w.mu.Lock()
	link := w.link
	w.mu.Unlock()
	if err := link.send(clusterHeader{Filter: FilterClusterInternal, Flags: flags}, channel, nil); err != nil {
		logging.Warnf("cluster: unsubscribe forward failed: %v", err)
	}
}

func (w *WorkerEngine) Publish(channel, payload []byte, isJSON bool) {
	flags := uint16(0)
	if isJSON {
		flags |= flagIsJSON
	}
	w.mu.Lock()
	link := w.link
	w.mu.Unlock()
	if err := link.send(clusterHeader{Filter: FilterClusterInternal, Flags: flags}, channel, payload); err != nil {
		logging.Warnf("cluster: publish forward failed: %v", err)
	}
}

func (w *WorkerEngine) Name() string { return "cluster-worker" }

// Close stops the keepalive/reconnect loops and closes the link.
func (w *WorkerEngine) Close() error {
	close(w.stopCh)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link.conn.Close()
}
