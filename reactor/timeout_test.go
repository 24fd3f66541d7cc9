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

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutTreePopExpiredOrdersByDeadline(t *testing.T) {
	tree := newTimeoutTree()
	now := time.Now()

	tree.schedule(UUID(1), now.Add(30*time.Millisecond))
	tree.schedule(UUID(2), now.Add(10*time.Millisecond))
	tree.schedule(UUID(3), now.Add(20*time.Millisecond))

	expired := tree.popExpired(now.Add(25 * time.Millisecond))
	assert.Equal(t, []UUID{2, 3}, expired)

	expired = tree.popExpired(now.Add(100 * time.Millisecond))
	assert.Equal(t, []UUID{1}, expired)
}

func TestTimeoutTreeCancelRemovesEntry(t *testing.T) {
	tree := newTimeoutTree()
	now := time.Now()
	tree.schedule(UUID(1), now.Add(time.Millisecond))
	tree.cancel(UUID(1))

	expired := tree.popExpired(now.Add(time.Second))
	assert.Empty(t, expired)
}

func TestTimeoutTreeRescheduleReplacesDeadline(t *testing.T) {
	tree := newTimeoutTree()
	now := time.Now()
	tree.schedule(UUID(1), now.Add(time.Hour))
	tree.schedule(UUID(1), now.Add(time.Millisecond))

	expired := tree.popExpired(now.Add(time.Second))
	assert.Equal(t, []UUID{1}, expired)
}

func TestTimeoutTreeBreaksTiesBySequence(t *testing.T) {
	tree := newTimeoutTree()
	deadline := time.Now().Add(time.Millisecond)
	tree.schedule(UUID(1), deadline)
	tree.schedule(UUID(2), deadline)

	expired := tree.popExpired(deadline)
	assert.Equal(t, []UUID{1, 2}, expired)
}
