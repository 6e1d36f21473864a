// Copyright 2025 UMH Systems GmbH
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

// Package api exposes projects, document sessions and hydration over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/formcache"
	"github.com/united-manufacturing-hub/qisync/pkg/hydration"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
	"github.com/united-manufacturing-hub/qisync/pkg/submission"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	projects    *projects.Service
	keeper      *sessionstate.Keeper
	hydrator    *hydration.Hydrator
	submitter   *submission.Service
	forms       *formcache.Cache
	sessionOpts []session.Option
	log         *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session.Controller
}

type Option func(*Server)

func WithHydrator(h *hydration.Hydrator) Option {
	return func(s *Server) {
		s.hydrator = h
	}
}

func WithSubmission(sub *submission.Service) Option {
	return func(s *Server) {
		s.submitter = sub
	}
}

// WithSessionOptions sets the options of every session the server opens.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) {
		s.sessionOpts = opts
	}
}

func WithFormCache(forms *formcache.Cache) Option {
	return func(s *Server) {
		s.forms = forms
	}
}

func New(svc *projects.Service, keeper *sessionstate.Keeper, opts ...Option) *Server {
	s := &Server{
		projects: svc,
		keeper:   keeper,
		log:      logger.For(logger.ComponentAPI),
		sessions: make(map[string]*session.Controller),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.forms != nil {
		s.sessionOpts = append(s.sessionOpts, session.WithFormCache(s.forms))
	}

	return s
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(ginzap.Ginzap(s.log.Desugar(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log.Desugar(), true))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	listing := router.Group("/", gzip.Gzip(gzip.DefaultCompression))
	{
		listing.GET("/projects", s.listProjects)
		listing.GET("/documents/:id", s.getDocument)
	}

	router.POST("/projects", s.createProject)
	router.DELETE("/projects/:id", s.deleteProject)
	router.POST("/projects/:id/submit", s.submitProject)
	router.POST("/installations", s.createInstallation)

	router.PUT("/documents/:id/data", s.upsertData)
	router.PUT("/documents/:id/metadata", s.upsertMetadata)
	router.PUT("/documents/:id/attachments/:att", s.putAttachment)
	router.GET("/documents/:id/attachments/:att", s.getAttachment)
	router.DELETE("/documents/:id/attachments/:att", s.deleteAttachment)

	router.POST("/hydrate", s.hydrate)

	return router
}

// Run serves the API on addr until ctx ends, then shuts down gracefully
// and closes every open session.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()

	return err
}

// Close waits for background writes of every open session and unmounts
// them.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Controller)
	s.mu.Unlock()

	for _, c := range sessions {
		c.Wait()
		c.Close()
	}
}

// session returns the open session of docID, opening one if needed. The
// document must exist.
func (s *Server) session(ctx context.Context, docID string) (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.sessions[docID]; ok && c.State() != session.StateUnmounted {
		return c, nil
	}

	c, err := session.Open(ctx, s.projects, session.Options{DocID: docID}, s.sessionOpts...)
	if err != nil {
		return nil, err
	}

	s.sessions[docID] = c

	return c, nil
}

// dropSession unmounts the session of docID if one is open.
func (s *Server) dropSession(docID string) {
	s.mu.Lock()
	c, ok := s.sessions[docID]
	delete(s.sessions, docID)
	s.mu.Unlock()

	if ok {
		c.Wait()
		c.Close()
	}
}
