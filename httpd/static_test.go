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
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeStaticPath(t *testing.T) {
	rel, ok := sanitizeStaticPath("/css/app.css")
	assert.True(t, ok)
	assert.Equal(t, "css/app.css", rel)

	rel, ok = sanitizeStaticPath("/")
	assert.True(t, ok)
	assert.Equal(t, "index.html", rel)

	_, ok = sanitizeStaticPath("/../../etc/passwd")
	assert.False(t, ok)

	_, ok = sanitizeStaticPath("/assets/../../../etc/passwd")
	assert.False(t, ok)
}

func TestStaticETagStableForSameInputs(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	a := staticETag(1024, mtime)
	b := staticETag(1024, mtime)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, staticETag(2048, mtime))
}

func TestContentTypeForOverridesAndDefaults(t *testing.T) {
	assert.Equal(t, "text/css; charset=utf-8", contentTypeFor(nil, "/app.css"))
	assert.Equal(t, "application/octet-stream", contentTypeFor(nil, "/app.unknownext"))

	overrides := map[string]string{".unknownext": "application/x-custom"}
	assert.Equal(t, "application/x-custom", contentTypeFor(overrides, "/app.unknownext"))

	// a .gz sibling's content type is derived from the inner extension.
	assert.Equal(t, "application/javascript; charset=utf-8", contentTypeFor(nil, "/bundle.js.gz"))
}

func TestParseRangeHeaderSuffixAndBounded(t *testing.T) {
	start, end, ok := parseRangeHeader("bytes=0-99", 1000)
	assert.True(t, ok)
	assert.Equal(t, 0, start)
	assert.Equal(t, 99, end)

	start, end, ok = parseRangeHeader("bytes=900-", 1000)
	assert.True(t, ok)
	assert.Equal(t, 900, start)
	assert.Equal(t, 999, end)

	start, end, ok = parseRangeHeader("bytes=-100", 1000)
	assert.True(t, ok)
	assert.Equal(t, 900, start)
	assert.Equal(t, 999, end)

	_, _, ok = parseRangeHeader("bytes=0-10,20-30", 1000)
	assert.False(t, ok)

	_, _, ok = parseRangeHeader("", 1000)
	assert.False(t, ok)

	_, _, ok = parseRangeHeader("bytes=2000-3000", 1000)
	assert.False(t, ok)
}
