// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Command fiod boots one worker: a reactor Engine serving HTTP/1.1 (with
// WebSocket/SSE upgrade and static file serving), an admin/metrics mux, and
// an optional Redis pub/sub bridge, wired from one YAML config file
// (mirrors the teacher's main.go bootstrap shape, generalized from the
// fixed rcproxy protocol to an attachable-Protocol reactor).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fio-core/fio/internal/admin"
	"github.com/fio-core/fio/internal/config"
	"github.com/fio-core/fio/internal/logging"
	"github.com/fio-core/fio/internal/stats"
	"github.com/fio-core/fio/httpd"
	"github.com/fio-core/fio/pubsub"
	"github.com/fio-core/fio/reactor"
	"github.com/fio-core/fio/redis"
	"github.com/fio-core/fio/sse"
	"github.com/fio-core/fio/ws"
)

var (
	configPath  = flag.String("c", "fio.yaml", "config file path")
	statsSecret = flag.String("stats-secret", "", "HMAC secret gating /stats on the admin mux")
	version     = flag.Bool("v", false, "print version and exit")
)

const fioVersion = "0.1.0-go"

func main() {
	flag.Parse()
	if *version {
		fmt.Println("fiod " + fioVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fiod: config:", err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.LogPath, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "fiod: logging:", err)
		os.Exit(1)
	}

	metrics := stats.New("fio", prometheus.DefaultRegisterer)
	stats.Global = metrics
	eng := reactor.New(metrics,
		reactor.WithThreads(cfg.Threads),
		reactor.WithWorkers(cfg.Workers),
	)
	bus := eng.Bus()

	var redisEngine *redis.Engine
	if cfg.Redis.Addr != "" {
		redisEngine = redis.New(redis.Options{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			ConnectTimeout: time.Duration(cfg.Redis.ConnectTimeoutMS) * time.Millisecond,
			PingInterval:   time.Duration(cfg.Redis.PingIntervalMS) * time.Millisecond,
			ReconnectDelay: time.Duration(cfg.Redis.ReconnectDelayMS) * time.Millisecond,
		}, bus, metrics)
		bus.Attach(redisEngine)
		logging.Infof("fiod: redis bridge attached to %s", cfg.Redis.Addr)
	}

	httpOpts := httpd.Options{
		Limits: httpd.Limits{
			MaxHeaderSize:  cfg.HTTP.MaxHeaderSize,
			MaxHeaderCount: cfg.HTTP.MaxHeaderCount,
			MaxBodySize:    cfg.HTTP.MaxBodySize,
			MaxChunkSize:   int64(cfg.HTTP.MaxChunkSize),
		},
		Handler:   echoHandler,
		PublicDir: cfg.HTTP.PublicFolder,
		WS: ws.Options{
			MaxMessageSize: cfg.WS.MaxMessageSize,
			FragmentLimit:  cfg.WS.FragmentLimit,
			IdleTimeout:    time.Duration(cfg.WS.IdleTimeout) * time.Second,
		},
		WSHandler: echoWSHandler(bus),
		SSE: sse.Options{
			IdleTimeout: time.Duration(cfg.WS.IdleTimeout) * time.Second,
		},
	}

	if err := eng.Listen(cfg.Listen, func(uuid reactor.UUID) error {
		_, err := httpd.Attach(eng, uuid, httpOpts, bus, metrics)
		return err
	}); err != nil {
		fmt.Fprintln(os.Stderr, "fiod: listen:", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "fiod: start:", err)
		os.Exit(1)
	}
	logging.Infof("fiod: listening on %s (workers=%d threads=%d)", cfg.Listen, cfg.Workers, cfg.Threads)
	if n := eng.WorkerCount(); n > 0 {
		logging.Infof("fiod: %d simulated worker(s) joined the cluster mesh", n)
	}

	adminSrv := admin.New(fmt.Sprintf(":%d", cfg.AdminPort), *statsSecret, func() interface{} {
		return map[string]interface{}{
			"state":   eng.State(),
			"version": fioVersion,
		}
	})
	adminErrCh := adminSrv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("fiod: received %v, shutting down", sig)
	case err := <-adminErrCh:
		if err != nil {
			logging.Errorf("fiod: admin server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		logging.Errorf("fiod: reactor stop: %v", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("fiod: admin shutdown: %v", err)
	}
	if redisEngine != nil {
		_ = redisEngine.Close()
	}
}

// echoHandler is the example application handler wired when no richer
// routing is configured: for a POST it publishes the request body on the
// path as a pub/sub channel, and for every request it echoes the body back, exercising the same Bus every
// WebSocket/SSE subscriber reads from.
func echoHandler(r *httpd.Request) {
	if r.Method == "POST" {
		msg := pubsub.NewMessage(0, []byte(r.Path), r.Body, false)
		r.Bus().Publish(msg)
	}
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_ = r.SendBody(r.Body)
}

// echoWSHandler ignores inbound frames. httpd.Conn.handleWebSocketUpgrade
// attaches the ws.Conn without subscribing it to any channel, so no pub/sub
// delivery reaches the socket in this server.
func echoWSHandler(bus *pubsub.Bus) ws.MessageHandler {
	return func(uuid reactor.UUID, payload []byte, isText bool) {}
}
