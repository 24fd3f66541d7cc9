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

// Package sse implements the EventSource wire format and its pub/sub bridge
// (spec.md §4.D "SSE writer"/"sse_subscribe"), the WebSocket layer's sibling
// in ws/ generalized to the simpler one-directional text/event-stream
// framing.
package sse

import (
	"bytes"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// WriteEvent renders one SSE event into buf (spec.md §4.D "sse_write(sse,
// id?, event?, data?, retry?): for each field, split data on line breaks and
// emit field: chunk\r\n repetitions, terminated by \r\n\r\n"). id and event
// are omitted when empty and data when nil (empty non-nil data still
// writes a "data:" line); retry <= 0 omits the
// retry field.
func WriteEvent(buf *bytebufferpool.ByteBuffer, id, event string, data []byte, retry int) {
	if id != "" {
		writeField(buf, "id", []byte(id))
	}
	if event != "" {
		writeField(buf, "event", []byte(event))
	}
	if retry > 0 {
		writeField(buf, "retry", []byte(strconv.Itoa(retry)))
	}
	if data != nil {
		writeField(buf, "data", data)
	}
	buf.WriteString("\r\n")
}

// writeField splits value on line breaks and emits one "name: chunk\r\n" per
// line, so a multi-line data payload survives as one logical SSE field.
func writeField(buf *bytebufferpool.ByteBuffer, name string, value []byte) {
	lines := bytes.Split(value, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(line)
		buf.WriteString("\r\n")
	}
}

// WriteComment renders an SSE comment line (spec.md §4.D "SSE idle timeout
// sends a : ping\n\n"); comments are ignored by EventSource clients and are
// used here purely as a keepalive.
func WriteComment(buf *bytebufferpool.ByteBuffer, text string) {
	buf.WriteString(": ")
	buf.WriteString(text)
	buf.WriteString("\n\n")
}
