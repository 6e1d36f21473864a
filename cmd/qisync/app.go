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

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/config"
	"github.com/united-manufacturing-hub/qisync/pkg/documents"
	"github.com/united-manufacturing-hub/qisync/pkg/formcache"
	"github.com/united-manufacturing-hub/qisync/pkg/hydration"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/objectstore"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
	"github.com/united-manufacturing-hub/qisync/pkg/submission"
)

// app holds the services every command is built from.
type app struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	store    *persistence.DocStore
	projects *projects.Service
	keeper   *sessionstate.Keeper
	forms    *formcache.Cache

	// Nil when no remote base URL is configured.
	client   *remote.Client
	uploader *documents.Uploader
	fetcher  *documents.Fetcher
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:   cfg,
		log:   logger.For(logger.ComponentCLI),
		forms: formcache.New(cfg.Session.FormCacheTTL),
	}

	storeOpts := []persistence.Option{
		persistence.WithRetryPolicy(cfg.Retry),
		persistence.WithFeedBuffer(cfg.Session.FeedBuffer),
	}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := sqlite.NewStore(ctx, cfg.Store.Path, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}

		a.store = store
	default:
		a.store = memory.NewStore(storeOpts...)
	}

	projectOpts := []projects.Option{}

	if cfg.Remote.BaseURL != "" {
		a.client = remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout,
			remote.WithRetryPolicy(cfg.Retry),
			remote.WithMaxConcurrency(cfg.Remote.MaxConcurrency))

		var objects objectstore.Store = objectstore.NewMemory()

		if cfg.S3.Bucket != "" {
			s3, err := objectstore.NewS3(ctx, cfg.S3)
			if err != nil {
				_ = a.store.Close()

				return nil, err
			}

			objects = s3
		} else {
			a.log.Warnw("no_document_bucket", "detail", "documents are kept in memory only")
		}

		a.uploader = documents.NewUploader(objects, a.client, cfg.S3.Bucket)
		a.fetcher = documents.NewFetcher(objects, a.client, cfg.S3.Bucket)
		projectOpts = append(projectOpts,
			projects.WithRemote(a.client, documents.NewDeleter(objects, a.client, cfg.S3.Bucket)))
	}

	a.projects = projects.New(a.store, projectOpts...)
	a.keeper = sessionstate.New(a.store)

	a.log.Infow("app_ready", "store", cfg.Store.Backend, "remote", a.client != nil)

	return a, nil
}

func (a *app) sessionOptions() []session.Option {
	return []session.Option{
		session.WithRetryPolicy(a.cfg.Retry),
		session.WithBackgroundTimeout(a.cfg.Session.BackgroundTimeout),
		session.WithFeedBuffer(a.cfg.Session.FeedBuffer),
	}
}

// hydrator returns nil without a remote client.
func (a *app) hydrator() *hydration.Hydrator {
	if a.client == nil {
		return nil
	}

	return hydration.New(a.projects, a.client,
		hydration.WithBlobFetcher(a.fetcher),
		hydration.WithRetryPolicy(a.cfg.Retry))
}

// submitter returns nil without a remote client.
func (a *app) submitter() *submission.Service {
	if a.client == nil {
		return nil
	}

	return submission.New(a.keeper, a.client, a.projects, submission.WithUploader(a.uploader))
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnw("store_close_failed", "error", err)
	}
}
