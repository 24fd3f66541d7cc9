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
	"net/url"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
)

// Request is the value-like HTTP handle bundling method/path/headers/body
// (spec.md §3 "HTTP request/response handle"). It is created when the
// parser sees a request line and destroyed after the response is written.
type Request struct {
	Method  string
	Path    string
	Query   string
	Major   int
	Minor   int
	Headers map[string][]string // lowercased names
	Cookies map[string]string
	Params  url.Values
	Body    []byte

	UUID      reactor.UUID
	ReceivedAt time.Time

	status     int
	statusText string
	outHeaders map[string][]string
	sentHeader bool
	chunked    bool
	keepAlive  bool
	paused     bool
	finished   bool

	conn *Conn

	// UserData is free for application handlers to stash per-request state.
	UserData interface{}
}

// NewRequest allocates a fresh handle for a connection's next message.
func NewRequest(uuid reactor.UUID) *Request {
	return &Request{
		UUID:       uuid,
		Headers:    make(map[string][]string),
		outHeaders: make(map[string][]string),
		status:     200,
		keepAlive:  true,
		ReceivedAt: time.Now(),
	}
}

// Header returns the first value of a lowercased request header, or "".
func (r *Request) Header(name string) string {
	if vs := r.Headers[strings.ToLower(name)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (r *Request) addHeader(name, value string) {
	r.Headers[name] = append(r.Headers[name], value)
}

// SetStatus sets the response status line (spec.md §4.C "Response
// composition").
func (r *Request) SetStatus(code int, text string) {
	r.status = code
	r.statusText = text
}

// SetHeader sets (replacing) a response header in the deferred output map.
func (r *Request) SetHeader(name, value string) {
	r.outHeaders[strings.ToLower(name)] = []string{value}
}

// AddHeader appends a response header value without replacing existing ones.
func (r *Request) AddHeader(name, value string) {
	k := strings.ToLower(name)
	r.outHeaders[k] = append(r.outHeaders[k], value)
}

// Bus exposes the connection's pub/sub bus so an application handler can
// publish without threading the bus through its own wiring separately.
func (r *Request) Bus() *pubsub.Bus { return r.conn.bus }

// WantsClose reports whether the client asked for Connection: close, or the
// protocol version doesn't default to keep-alive.
func (r *Request) WantsClose() bool {
	conn := strings.ToLower(r.Header("connection"))
	if conn == "close" {
		return true
	}
	if r.Major == 1 && r.Minor == 0 && conn != "keep-alive" {
		return true
	}
	return false
}

// serializeHead renders the status line and headers into buf, injecting
// Date/Content-Length/Content-Type/Connection as spec.md §4.C mandates.
// bodyLen < 0 means the length isn't known yet (a streamed response):
// Transfer-Encoding: chunked is emitted instead of Content-Length.
func (r *Request) serializeHead(buf *bytebufferpool.ByteBuffer, bodyLen int) {
	if r.statusText == "" {
		r.statusText = statusText(r.status)
	}
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(itoa(r.status))
	buf.WriteString(" ")
	buf.WriteString(r.statusText)
	buf.WriteString("\r\n")

	if _, ok := r.outHeaders["date"]; !ok {
		r.outHeaders["date"] = []string{CachedDate()}
	}
	if bodyLen < 0 {
		r.chunked = true
		delete(r.outHeaders, "content-length")
		r.outHeaders["transfer-encoding"] = []string{"chunked"}
	} else if _, ok := r.outHeaders["content-length"]; !ok {
		r.outHeaders["content-length"] = []string{itoa(bodyLen)}
	}
	if _, ok := r.outHeaders["content-type"]; !ok {
		r.outHeaders["content-type"] = []string{"text/plain; charset=utf-8"}
	}
	if _, ok := r.outHeaders["connection"]; !ok {
		if r.WantsClose() {
			r.outHeaders["connection"] = []string{"close"}
			r.keepAlive = false
		} else {
			r.outHeaders["connection"] = []string{"keep-alive"}
		}
	} else if strings.ToLower(r.outHeaders["connection"][0]) == "close" {
		r.keepAlive = false
	}

	// map iteration order, matching spec.md §4.C "emit headers in map-iteration order".
	for name, values := range r.outHeaders {
		for _, v := range values {
			buf.WriteString(headerDisplayName(name))
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
}

// KeepAlive reports whether the connection should remain open after this
// response, resolved only after serializeHead has run.
func (r *Request) KeepAlive() bool { return r.keepAlive }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// headerDisplayName restores conventional capitalization for the wire;
// the internal map stays lowercased per spec.md §4.C.
func headerDisplayName(lower string) string {
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
