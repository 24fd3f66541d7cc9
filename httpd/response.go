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

package httpd

import (
	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/reactor"
)

// Host returns the request's Host header (set from either the Host header
// line or a synthesized absolute-form target, spec.md §4.C
// "Request-line handling").
func (r *Request) Host() string { return r.Header("host") }

// SendBody serializes and writes a complete response in one shot — the
// common synchronous-handler path (spec.md §4.C "The handler may (a) send a
// complete response synchronously"). HEAD requests send headers only.
func (r *Request) SendBody(body []byte) error {
	if r.sentHeader {
		return r.WriteChunk(body)
	}
	bodyLen := len(body)
	buf := bytebufferpool.Get()
	r.serializeHead(buf, bodyLen)
	if r.Method != "HEAD" {
		buf.Write(body)
	}
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	r.sentHeader = true
	err := r.conn.eng.Write(r.UUID, reactor.OwnedChunk(out))
	r.finishResponse()
	return err
}

// WriteHeader serializes the response head with Transfer-Encoding: chunked
// (the body length isn't known up front) and flushes it, for handlers that
// stream a body via WriteChunk (spec.md §4.C "(b) stream via
// send_body/sendfile/finish").
func (r *Request) WriteHeader() error {
	if r.sentHeader {
		return nil
	}
	buf := bytebufferpool.Get()
	r.serializeHead(buf, -1)
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	r.sentHeader = true
	return r.conn.eng.Write(r.UUID, reactor.OwnedChunk(out))
}

// WriteChunk writes one chunk of a streamed, chunked-encoded body. Calling
// it before WriteHeader implicitly starts the stream. An empty chunk is a
// no-op chunk, not a terminator — call Finish to end the stream.
func (r *Request) WriteChunk(data []byte) error {
	if !r.sentHeader {
		if err := r.WriteHeader(); err != nil {
			return err
		}
	}
	if !r.chunked {
		return r.conn.eng.Write(r.UUID, reactor.OwnedChunk(append([]byte(nil), data...)))
	}
	if len(data) == 0 {
		return nil
	}
	buf := bytebufferpool.Get()
	buf.WriteString(itoaHex(len(data)))
	buf.WriteString("\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	return r.conn.eng.Write(r.UUID, reactor.OwnedChunk(out))
}

// Finish completes the response: it terminates a chunked stream (if one was
// started) and advances the connection to the next pipelined request or
// closes it, per keep-alive (spec.md §4.C dispatch state machine
// "writing_response -> idle").
func (r *Request) Finish() error {
	if !r.sentHeader {
		return r.SendBody(nil)
	}
	var err error
	if r.chunked {
		err = r.conn.eng.Write(r.UUID, reactor.OwnedChunk([]byte("0\r\n\r\n")))
	}
	r.finishResponse()
	return err
}

// SendFile enqueues a byte range of an already-open file as the response
// body via the reactor's sendfile-equivalent chunk, after writing a head
// with the given Content-Length (spec.md §4.C "(v) append the body or
// enqueue the file range").
func (r *Request) SendFile(fd int, offset, length int64, contentType string) error {
	if contentType != "" {
		r.SetHeader("Content-Type", contentType)
	}
	buf := bytebufferpool.Get()
	r.serializeHead(buf, int(length))
	out := append([]byte(nil), buf.Bytes()...)
	bytebufferpool.Put(buf)
	r.sentHeader = true
	if err := r.conn.eng.Write(r.UUID, reactor.OwnedChunk(out)); err != nil {
		return err
	}
	if r.Method == "HEAD" {
		r.finishResponse()
		return nil
	}
	err := r.conn.eng.Write(r.UUID, reactor.SendfileChunk(fd, offset, length))
	r.finishResponse()
	return err
}

// finishResponse marks the request done and resumes the connection's parser
// pump so the next pipelined request (if any bytes are already buffered) is
// processed without waiting on the next OnData.
func (r *Request) finishResponse() {
	r.finished = true
	r.conn.afterFinish(r)
}

// PauseToken is the opaque handle returned by Pause (spec.md §4.C
// "pause ... moves the handle out of the protocol into an opaque
// pause-token").
type PauseToken struct {
	conn *Conn
	req  *Request
}

// Pause suspends dispatch on this connection: no further bytes are fed to
// the parser until Resume runs, and the handle moves out of the protocol's
// direct control (spec.md §4.C "suspends reads on the UUID, and defers
// resume(task, fallback) to rejoin the write queue").
func (r *Request) Pause() *PauseToken {
	r.paused = true
	return &PauseToken{conn: r.conn, req: r}
}

// Resume re-enters the connection's owning loop and invokes task with the
// paused request, serialized against any other deferred work on the same
// UUID (spec.md §4.A defer_io()). If the connection no longer exists,
// fallback runs instead.
func (t *PauseToken) Resume(task func(*Request), fallback func()) {
	err := t.conn.eng.DeferIO(t.conn.uuid, reactor.LockTask, func(reactor.UUID) {
		t.req.paused = false
		task(t.req)
	})
	if err != nil && fallback != nil {
		fallback()
	}
}

// Hijack detaches the connection from the HTTP protocol entirely, handing
// the caller the UUID and any bytes the parser hadn't yet consumed (spec.md
// §4.C "Connection hijack"). The reactor holds no protocol on uuid again
// until the caller attaches one.
func (r *Request) Hijack() (reactor.UUID, []byte, error) {
	leftover := r.conn.pending
	r.conn.pending = nil
	if err := r.conn.eng.Attach(r.UUID, nil); err != nil {
		return 0, nil, err
	}
	if r.conn.metrics != nil {
		r.conn.metrics.CurrConnections.WithLabelValues("http").Dec()
	}
	return r.UUID, leftover, nil
}

func itoaHex(n int) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var b [16]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = digits[n&0xF]
		n >>= 4
	}
	return string(b[i:])
}
