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

// Package stats exposes the prometheus metrics shared across the reactor,
// HTTP pipeline, pub/sub bus and Redis engine.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Stats bundles every counter/gauge/histogram the core emits.
type Stats struct {
	TotalConnections *prometheus.CounterVec
	CurrConnections  *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	WSConnections *prometheus.GaugeVec
	WSFramesIn    *prometheus.CounterVec
	WSFramesOut   *prometheus.CounterVec

	PubSubPublished   *prometheus.CounterVec
	PubSubDelivered   *prometheus.CounterVec
	PubSubSubscribers *prometheus.GaugeVec

	RedisReconnects *prometheus.CounterVec
	RedisCommands   *prometheus.CounterVec
}

// Global is the process-wide metrics singleton, registered with New in
// cmd/fiod's bootstrap (mirrors the teacher's GlobalStats/init pattern, made
// explicit rather than a package-level init so multiple engines in tests
// don't collide on registration).
var Global *Stats

// New builds a Stats bundle under the given namespace and registers every
// metric with reg (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry in tests).
func New(namespace string, reg prometheus.Registerer) *Stats {
	s := &Stats{
		TotalConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "total_connections", Help: "total accepted connections",
		}, []string{"conn_type"}),
		CurrConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_connections", Help: "currently open connections",
		}, []string{"conn_type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests handled",
		}, []string{"status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds", Help: "request handling latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		WSConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections", Help: "open WebSocket connections",
		}, []string{}),
		WSFramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_frames_in_total", Help: "WebSocket frames received",
		}, []string{"opcode"}),
		WSFramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_frames_out_total", Help: "WebSocket frames sent",
		}, []string{"opcode"}),
		PubSubPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pubsub_published_total", Help: "messages published",
		}, []string{"engine"}),
		PubSubDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pubsub_delivered_total", Help: "messages delivered to subscribers",
		}, []string{}),
		PubSubSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pubsub_subscribers", Help: "distinct (channel,match) subscriptions",
		}, []string{}),
		RedisReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_reconnects_total", Help: "Redis engine reconnect attempts",
		}, []string{"conn"}),
		RedisCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_commands_total", Help: "Redis commands issued",
		}, []string{"cmd"}),
	}

	for _, c := range []prometheus.Collector{
		s.TotalConnections, s.CurrConnections, s.HTTPRequests, s.HTTPLatency,
		s.WSConnections, s.WSFramesIn, s.WSFramesOut,
		s.PubSubPublished, s.PubSubDelivered, s.PubSubSubscribers,
		s.RedisReconnects, s.RedisCommands,
	} {
		_ = reg.Register(c)
	}
	return s
}
