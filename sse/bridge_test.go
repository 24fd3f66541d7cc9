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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fio-core/fio/pubsub"
)

func TestWrapOnceRendersBareDataEvent(t *testing.T) {
	msg := pubsub.NewMessage(0, []byte("news"), []byte("hello"), false)
	got := wrapOnce(msg)
	assert.Equal(t, "data: hello\r\n\r\n", string(got))
}

func TestWrapOnceComputesExactlyOnceUnderConcurrency(t *testing.T) {
	msg := pubsub.NewMessage(0, []byte("news"), []byte("hello"), false)

	var wg sync.WaitGroup
	results := make([][]byte, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = wrapOnce(msg)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, &results[0][0], &r[0])
	}
}
