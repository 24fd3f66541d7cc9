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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCachedDateMatchesCurrentSecond(t *testing.T) {
	got := CachedDate()
	parsed, err := time.Parse(imfFixdate, got)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, 2*time.Second)
}

func TestCachedDateStableWithinSameSecond(t *testing.T) {
	a := CachedDate()
	b := CachedDate()
	assert.Equal(t, a, b)
}

func TestCachedDateConcurrentSafe(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = CachedDate()
		}()
	}
	wg.Wait()
}
