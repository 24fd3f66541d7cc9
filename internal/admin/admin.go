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

// Package admin serves /metrics and /debug/pprof on a conventional
// net/http + gin mux, kept entirely separate from the hand-rolled HTTP/1.1
// stack in httpd — this surface never touches a reactor UUID.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin/metrics HTTP server.
type Server struct {
	httpSrv *http.Server
	engine  *gin.Engine
}

// StatsFunc returns a JSON-able snapshot for the /stats route.
type StatsFunc func() interface{}

// New builds the admin mux. statsSecret, when non-empty, gates /stats behind
// a bearer JWT signed with that HMAC secret (exercising golang-jwt for the
// one place this core touches request authentication; see DESIGN.md).
func New(addr, statsSecret string, snapshot StatsFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(r)

	statsGroup := r.Group("/stats")
	if statsSecret != "" {
		statsGroup.Use(bearerAuth(statsSecret))
	}
	statsGroup.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshot())
	})

	return &Server{
		engine:  r,
		httpSrv: &http.Server{Addr: addr, Handler: r},
	}
}

func bearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		tok, err := jwt.Parse(raw[len(prefix):], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !tok.Valid {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

// Start runs the admin server until Shutdown is called. Errors other than
// http.ErrServerClosed are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
