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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fio-core/fio/pubsub"
)

func waitForMessage(t *testing.T, ch <-chan *pubsub.Message) *pubsub.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cluster-forwarded message")
		return nil
	}
}

func TestStartWithWorkersGreaterThanOneWiresClusterMesh(t *testing.T) {
	eng := New(nil, WithWorkers(3), WithThreads(1))
	require.NoError(t, eng.Start())
	defer func() { _ = eng.Stop(context.Background()) }()

	require.Equal(t, 2, eng.WorkerCount())

	rootRecv := make(chan *pubsub.Message, 1)
	eng.Bus().Subscribe(pubsub.FilterClusterInternal, []byte("room"), nil,
		func(h pubsub.Handle, msg *pubsub.Message) { rootRecv <- msg }, nil, nil, nil)

	siblingRecv := make(chan *pubsub.Message, 1)
	eng.WorkerBus(1).Subscribe(pubsub.FilterClusterInternal, []byte("room"), nil,
		func(h pubsub.Handle, msg *pubsub.Message) { siblingRecv <- msg }, nil, nil, nil)

	// give the root's accept loop time to register each worker link
	// before publishing; DialCluster itself dials synchronously.
	time.Sleep(100 * time.Millisecond)

	eng.WorkerBus(0).Publish(pubsub.NewMessage(pubsub.FilterClusterInternal, []byte("room"), []byte("hello"), false))

	assert.Equal(t, "hello", string(waitForMessage(t, rootRecv).Payload))
	assert.Equal(t, "hello", string(waitForMessage(t, siblingRecv).Payload))
}

func TestStartWithOneWorkerSkipsClusterMesh(t *testing.T) {
	eng := New(nil, WithWorkers(1), WithThreads(1))
	require.NoError(t, eng.Start())
	defer func() { _ = eng.Stop(context.Background()) }()

	assert.Equal(t, 0, eng.WorkerCount())
}
