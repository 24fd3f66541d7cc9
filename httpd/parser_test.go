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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method  string
	path    string
	query   string
	major   int
	minor   int
	headers map[string]string
	body    []byte
	done    bool
}

func newRecordingParser(rec *recordedRequest) *Parser {
	rec.headers = make(map[string]string)
	return New(Callbacks{
		OnMethod:  func(m []byte) { rec.method = string(m) },
		OnPath:    func(p []byte) { rec.path = string(p) },
		OnQuery:   func(q []byte) { rec.query = string(q) },
		OnVersion: func(maj, min int) { rec.major, rec.minor = maj, min },
		OnHeader:  func(n, v []byte) { rec.headers[string(n)] = string(v) },
		OnBodyChunk: func(c []byte) {
			rec.body = append(rec.body, c...)
		},
		OnRequest: func() error { rec.done = true; return nil },
	}, DefaultLimits())
}

func TestParserBasicRequestLineAndHeaders(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	raw := "GET /foo?x=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"
	n, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.True(t, rec.done)
	assert.Equal(t, "GET", rec.method)
	assert.Equal(t, "/foo", rec.path)
	assert.Equal(t, "x=1", rec.query)
	assert.Equal(t, 1, rec.major)
	assert.Equal(t, 1, rec.minor)
	assert.Equal(t, "example.com", rec.headers["host"])
}

func TestParserSynthesizesHostFromAbsoluteFormTarget(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	raw := "GET http://example.com/foo?x=1 HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "/foo", rec.path)
	assert.Equal(t, "x=1", rec.query)
	assert.Equal(t, "example.com", rec.headers["host"])
}

func TestParserHandlesBodyAcrossMultipleFeeds(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	head := "POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\n"
	n1, err := p.Feed([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, len(head), n1)
	assert.False(t, rec.done)

	n2, err := p.Feed([]byte("he"))
	require.NoError(t, err)
	assert.Equal(t, 2, n2)
	assert.False(t, rec.done)

	n3, err := p.Feed([]byte("llo"))
	require.NoError(t, err)
	assert.Equal(t, 3, n3)
	assert.True(t, rec.done)
	assert.Equal(t, []byte("hello"), rec.body)
}

func TestParserChunkedTransferDecoding(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	raw := "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	assert.True(t, rec.done)
	assert.Equal(t, "hello world", string(rec.body))
	assert.True(t, p.IsChunked())
	assert.Equal(t, "11", rec.headers["content-length"])
}

func TestParserRejectsConflictingContentLength(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	raw := "POST /c HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	assert.Error(t, err)
}

func TestParserHeadersCompleteHookCanFailFast(t *testing.T) {
	var rec recordedRequest
	rec.headers = make(map[string]string)
	sentinel := assert.AnError
	p := New(Callbacks{
		OnHeader:          func(n, v []byte) { rec.headers[string(n)] = string(v) },
		OnHeadersComplete: func() error { return sentinel },
	}, DefaultLimits())
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err := p.Feed([]byte(raw))
	assert.ErrorIs(t, err, sentinel)
}

func TestParserResetAllowsPipelinedRequest(t *testing.T) {
	var rec recordedRequest
	p := newRecordingParser(&rec)
	raw := "GET /one HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	n, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	assert.True(t, rec.done)

	p.Reset()
	rec = recordedRequest{headers: make(map[string]string)}
	p.cb.OnMethod = func(m []byte) { rec.method = string(m) }
	p.cb.OnRequest = func() error { rec.done = true; return nil }

	raw2 := "GET /two HTTP/1.1\r\nContent-Length: 0\r\n\r\n"
	_, err = p.Feed([]byte(raw2))
	require.NoError(t, err)
	assert.True(t, rec.done)
	assert.Equal(t, "GET", rec.method)
}
