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
	"sync"
	"sync/atomic"
	"time"
)

// imfFixdate is the RFC 7231 §7.1.1.1 preferred Date format.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// dateCache holds the last rendered RFC 7231 IMF-fixdate Date header value,
// keyed on the wall-clock second it was rendered for (spec.md §5: "The
// cached Date uses double-checked locking keyed on last_tick().seconds" —
// every response in the same second reuses the one formatted string instead
// of paying time.Format on every request).
var dateCache struct {
	mu      sync.Mutex
	second  int64
	rendered atomic.Value // string
}

// CachedDate returns the current time rendered as an RFC 7231 IMF-fixdate
// ("Mon, 02 Jan 2006 15:04:05 GMT"), reusing the cached rendering for the
// current wall-clock second. The fast path is lock-free; only the first
// caller in a new second pays for the reformat and the mutex.
func CachedDate() string {
	now := time.Now().UTC()
	sec := now.Unix()

	if atomic.LoadInt64(&dateCache.second) == sec {
		if v := dateCache.rendered.Load(); v != nil {
			return v.(string)
		}
	}

	dateCache.mu.Lock()
	defer dateCache.mu.Unlock()

	if dateCache.second == sec {
		if v := dateCache.rendered.Load(); v != nil {
			return v.(string)
		}
	}

	rendered := now.Format(imfFixdate)
	dateCache.rendered.Store(rendered)
	atomic.StoreInt64(&dateCache.second, sec)
	return rendered
}
