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
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dchest/siphash"
)

// siphashKey0/siphashKey1 are the fixed 128-bit key halves for ETag hashing.
// facil.io seeds SipHash from a process-random key at boot; this engine
// fixes the key instead so ETags survive a restart (spec.md doesn't require
// cross-restart stability, but a fixed key is strictly more useful and
// costs nothing since ETag is a cache-validation token, not a secret).
const siphashKey0, siphashKey1 = 0x6f69662d6f696673, 0x6761742d677361e

// defaultMIMETypes seeds the extension -> Content-Type table used when
// Options.ExtToMIME doesn't override an extension (spec.md §4.C "pick
// Content-Type from a configurable extension -> MIME map").
var defaultMIMETypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".wasm": "application/wasm",
}

// tryServeStatic implements spec.md §4.C "Static file serving". It returns
// false (without writing anything) when the request doesn't map to a file
// under opts.PublicDir, letting onRequest fall through to the application
// Handler.
func (c *Conn) tryServeStatic(r *Request) bool {
	rel, ok := sanitizeStaticPath(r.Path)
	if !ok {
		return false
	}
	full := filepath.Join(c.opts.PublicDir, rel)

	servePath := full
	gzipped := false
	if strings.Contains(strings.ToLower(r.Header("accept-encoding")), "gzip") {
		if info, err := os.Stat(full + ".gz"); err == nil && !info.IsDir() {
			servePath = full + ".gz"
			gzipped = true
		}
	}

	info, err := os.Stat(servePath)
	if err != nil || info.IsDir() {
		return false
	}

	etag := staticETag(info.Size(), info.ModTime())
	lastMod := info.ModTime().UTC().Format(imfFixdate)

	if inm := r.Header("if-none-match"); inm != "" && inm == etag {
		r.SetStatus(304, "Not Modified")
		r.SetHeader("ETag", etag)
		r.SetHeader("Last-Modified", lastMod)
		_ = r.SendBody(nil)
		return true
	}

	data, err := os.ReadFile(servePath)
	if err != nil {
		return false
	}

	r.SetHeader("ETag", etag)
	r.SetHeader("Last-Modified", lastMod)
	r.SetHeader("Accept-Ranges", "bytes")
	r.SetHeader("Content-Type", contentTypeFor(c.opts.ExtToMIME, full))
	if gzipped {
		r.SetHeader("Content-Encoding", "gzip")
	}

	if r.Method == "OPTIONS" {
		r.SetStatus(204, "No Content")
		_ = r.SendBody(nil)
		return true
	}

	start, end, hasRange := parseRangeHeader(r.Header("range"), len(data))
	ifRange := r.Header("if-range")
	if ifRange != "" && ifRange != etag {
		hasRange = false // spec.md: "If-Range (-> serve range if etag matches, else ignore Range)"
	}
	if hasRange {
		r.SetStatus(206, "Partial Content")
		r.SetHeader("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(data)))
		_ = r.SendBody(data[start : end+1])
		return true
	}

	_ = r.SendBody(data)
	return true
}

// sanitizeStaticPath strips the leading slash and rejects any ".." segment
// once the URL has been percent-decoded (spec.md §4.C "reject paths
// containing .. segments after decoding").
func sanitizeStaticPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "index.html"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return p, true
}

// staticETag derives base64(siphash(size XOR mtime)) exactly as spec.md
// §4.C mandates, grounded on the teacher's indirect dchest/siphash
// dependency.
func staticETag(size int64, mtime time.Time) string {
	input := uint64(size) ^ uint64(mtime.UnixNano())
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(input >> (8 * i))
	}
	sum := siphash.Hash(siphashKey0, siphashKey1, buf[:])
	var out [8]byte
	for i := 0; i < 8; i++ {
		out[i] = byte(sum >> (8 * i))
	}
	return `"` + base64.RawURLEncoding.EncodeToString(out[:]) + `"`
}

func contentTypeFor(overrides map[string]string, path string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz")))
	if overrides != nil {
		if ct, ok := overrides[ext]; ok {
			return ct
		}
	}
	if ct, ok := defaultMIMETypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// parseRangeHeader parses a single "bytes=a-b" range; multi-range (a comma)
// is ignored per spec.md §4.C "parse a single bytes=a-b range (multi-range
// ignored)".
func parseRangeHeader(header string, size int) (start, end int, ok bool) {
	if header == "" || strings.Contains(header, ",") {
		return 0, 0, false
	}
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		// suffix range: "-N" means the last N bytes.
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err1 := strconv.Atoi(parts[0])
	if err1 != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	e := size - 1
	if parts[1] != "" {
		var err2 error
		e, err2 = strconv.Atoi(parts[1])
		if err2 != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}
