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

package pubsub

import "sync/atomic"

// Engine is the pluggable pub/sub back-end interface (spec.md §3 "Engine",
// §4.B). Implementations: the built-in localEngine and the cluster
// RootEngine/WorkerEngine in this package, and the Redis bridge in package
// redis.
type Engine interface {
	Subscribe(channel []byte, match MatchFunc)
	Unsubscribe(channel []byte, match MatchFunc)
	Publish(channel, payload []byte, isJSON bool)
	// Name identifies the engine in logs and metrics.
	Name() string
}

// refCountedEngine wraps an Engine with the reference count spec.md §3
// mandates: "Engines are reference-counted; attaching an engine re-plays
// the current subscription set into it."
type refCountedEngine struct {
	Engine
	refs int32
}

func (r *refCountedEngine) retain() int32  { return atomic.AddInt32(&r.refs, 1) }
func (r *refCountedEngine) release() int32 { return atomic.AddInt32(&r.refs, -1) }

// localEngine is the default engine on single-worker deployments: it does
// nothing beyond what the Bus already does for local delivery, matching
// spec.md §3: "the default engine is … a local-only engine on
// single-worker" deployments.
type localEngine struct{}

func NewLocalEngine() Engine { return localEngine{} }

func (localEngine) Subscribe([]byte, MatchFunc)          {}
func (localEngine) Unsubscribe([]byte, MatchFunc)        {}
func (localEngine) Publish(_, _ []byte, _ bool)          {}
func (localEngine) Name() string                         { return "local" }
