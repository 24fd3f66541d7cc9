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

package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/bytebufferpool"
)

func TestWriteEventBareData(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	WriteEvent(buf, "", "", []byte("hello"), 0)
	assert.Equal(t, "data: hello\r\n\r\n", buf.String())
}

func TestWriteEventAllFields(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	WriteEvent(buf, "42", "tick", []byte("hello"), 3000)
	assert.Equal(t, "id: 42\r\nevent: tick\r\nretry: 3000\r\ndata: hello\r\n\r\n", buf.String())
}

func TestWriteEventMultilineData(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	WriteEvent(buf, "", "", []byte("line one\nline two"), 0)
	assert.Equal(t, "data: line one\r\ndata: line two\r\n\r\n", buf.String())
}

func TestWriteComment(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	WriteComment(buf, "ping")
	assert.Equal(t, ": ping\n\n", buf.String())
}
