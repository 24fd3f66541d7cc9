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
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fio-core/fio/internal/logging"
	"github.com/fio-core/fio/pubsub"
)

// clusterSeq disambiguates the UNIX-socket path across Engines started in
// the same process (tests routinely start several), since pubsub.SockPath
// alone only varies by root PID.
var clusterSeq int64

// workerPingInterval is the cluster-link keepalive period for simulated
// workers (spec.md §4 SUPPLEMENTED FEATURES "cluster engine ping/pong
// keepalive").
const workerPingInterval = 30 * time.Second

// startSimulatedWorkers opens this Engine's pubsub.Bus as the cluster root
// and dials n worker-side Buses into it over a real UNIX-socket mesh
// (pubsub/cluster.go's RootEngine/WorkerEngine), the in-process stand-in
// for the OS worker processes spec.md §4.A describes supervising. Each
// simulated worker gets its own independent Bus reachable via WorkerBus,
// so publishing on one worker's Bus fans out to every other worker and to
// e.Bus() exactly as a published message would cross real worker processes.
func (e *Engine) startSimulatedWorkers(n int) error {
	seq := atomic.AddInt64(&clusterSeq, 1)
	e.clusterSockPath = pubsub.SockPath(os.TempDir(), os.Getpid()) + fmt.Sprintf(".%d", seq)

	root, err := pubsub.ListenCluster(e.clusterSockPath, e.bus)
	if err != nil {
		return err
	}
	e.rootCluster = root
	// Attaching the root engine to its own Bus means a message published
	// locally on the root (e.Bus()) is, like any other published message,
	// fanned out through every attached engine — here, out to every worker
	// — not just delivered to local subscribers.
	e.bus.Attach(root)

	for i := 0; i < n; i++ {
		workerBus := pubsub.NewBus()
		worker, err := pubsub.DialCluster(e.clusterSockPath, workerBus, workerPingInterval)
		if err != nil {
			logging.Warnf("reactor: simulated worker %d failed to join cluster: %v", i+1, err)
			continue
		}
		workerBus.Attach(worker)
		e.workerEngines = append(e.workerEngines, worker)
		e.workerBuses = append(e.workerBuses, workerBus)
	}
	return nil
}

// stopSimulatedWorkers tears down every simulated worker's cluster link and
// the root listener, and removes the UNIX socket file.
func (e *Engine) stopSimulatedWorkers() {
	for _, w := range e.workerEngines {
		_ = w.Close()
	}
	if e.rootCluster != nil {
		_ = e.rootCluster.Close()
	}
	if e.clusterSockPath != "" {
		_ = os.Remove(e.clusterSockPath)
	}
}

// WorkerCount reports how many simulated workers are attached to the
// cluster mesh (opts.Workers - 1, minus any that failed to dial).
func (e *Engine) WorkerCount() int { return len(e.workerBuses) }

// WorkerBus returns the i'th simulated worker's local pub/sub Bus
// (0-indexed), wired to the root Bus returned by Bus() via the UNIX
// cluster IPC mesh in pubsub/cluster.go. Only populated after Start() when
// opts.Workers > 1; panics on an out-of-range index like a slice would.
func (e *Engine) WorkerBus(i int) *pubsub.Bus { return e.workerBuses[i] }
