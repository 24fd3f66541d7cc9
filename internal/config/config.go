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

// Package config loads the YAML configuration for a fio server and
// optionally watches it for changes.
package config

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fio-core/fio/internal/logging"
)

// Config is the top-level YAML document.
type Config struct {
	Listen   string       `yaml:"listen"`
	AdminPort int         `yaml:"admin_port"`
	LogPath  string       `yaml:"log_path"`
	LogLevel string       `yaml:"log_level"`

	Workers int `yaml:"workers"`
	Threads int `yaml:"threads"`

	HTTP  HTTPConfig  `yaml:"http"`
	WS    WSConfig    `yaml:"websocket"`
	Redis RedisConfig `yaml:"redis"`
}

// HTTPConfig bounds the HTTP/1.1 pipeline.
type HTTPConfig struct {
	PublicFolder    string `yaml:"public_folder"`
	MaxHeaderSize   int    `yaml:"max_header_size"`
	MaxHeaderCount  int    `yaml:"max_header_count"`
	MaxBodySize     int64  `yaml:"max_body_size"`
	MaxChunkSize    int    `yaml:"max_chunk_size"`
	KeepAliveTicks  int    `yaml:"keepalive_ticks"`
	AllowTolerantChunked bool `yaml:"allow_tolerant_chunked"`
}

// WSConfig bounds WebSocket/SSE framing.
type WSConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	FragmentLimit  int `yaml:"fragment_limit"`
	IdleTimeout    int `yaml:"idle_timeout_seconds"`
}

// RedisConfig configures the Redis pub/sub bridge engine.
type RedisConfig struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	ConnectTimeoutMS  int    `yaml:"connect_timeout_ms"`
	PingIntervalMS    int    `yaml:"ping_interval_ms"`
	ReconnectDelayMS  int    `yaml:"reconnect_delay_ms"`
}

func defaults() Config {
	return Config{
		Listen:    "0.0.0.0:3000",
		AdminPort: 6060,
		LogLevel:  "info",
		Workers:   1,
		Threads:   1,
		HTTP: HTTPConfig{
			MaxHeaderSize:  8 * 1024,
			MaxHeaderCount: 128,
			MaxBodySize:    50 * 1024 * 1024,
			MaxChunkSize:   16 * 1024 * 1024,
			KeepAliveTicks: 5,
		},
		WS: WSConfig{
			MaxMessageSize: 4 * 1024 * 1024,
			FragmentLimit:  256 * 1024,
			IdleTimeout:    40,
		},
		Redis: RedisConfig{
			ConnectTimeoutMS: 200,
			PingIntervalMS:   3000,
			ReconnectDelayMS: 500,
		},
	}
}

// Load reads and validates the YAML file at path, filling unset fields with
// the package defaults (mirrors the teacher's LoadConfig/validate split).
func Load(path string) (*Config, error) {
	cfg := defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config from %s", path)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validation failed")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Threads < 1 {
		c.Threads = 1
	}
	return nil
}

// Watch re-loads path whenever it changes on disk and invokes onChange with
// the freshly parsed Config. The returned fsnotify.Watcher must be closed by
// the caller on shutdown.
func Watch(path string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config watcher")
	}
	if err = w.Add(path); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", path)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logging.Warnf("config reload failed: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warnf("config watcher error: %v", err)
			}
		}
	}()
	return w, nil
}
