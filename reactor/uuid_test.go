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

	"github.com/stretchr/testify/assert"
)

func TestUUIDEncodesFDAndGeneration(t *testing.T) {
	u := makeUUID(42, 7)
	assert.Equal(t, 42, u.FD())
	assert.Equal(t, uint32(7), u.generation())
}

func TestRegistryIsValidAfterNewUUID(t *testing.T) {
	r := newRegistry()
	u := r.newUUID(5)
	assert.True(t, r.IsValid(u))
}

func TestRegistryBumpInvalidatesStaleUUID(t *testing.T) {
	r := newRegistry()
	u := r.newUUID(5)
	require := assert.New(t)
	require.True(r.IsValid(u))

	r.bump(5)
	require.False(r.IsValid(u), "stale UUID should fail validity after the fd's generation bumps")

	u2 := r.newUUID(5)
	require.True(r.IsValid(u2))
	require.NotEqual(u, u2)
}

func TestRegistryGrowsGenerationTableForHighFDs(t *testing.T) {
	r := newRegistry()
	u := r.newUUID(10000)
	assert.True(t, r.IsValid(u))
	assert.Equal(t, 10000, u.FD())
}

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := newRegistry()
	u := r.newUUID(1)
	c := &connRecord{uuid: u}

	r.register(u, c)
	got, ok := r.lookup(u)
	assert.True(t, ok)
	assert.Same(t, c, got)

	r.unregister(u)
	_, ok = r.lookup(u)
	assert.False(t, ok)
}
