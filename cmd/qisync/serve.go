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
	"time"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/qisync/pkg/api"
	"github.com/united-manufacturing-hub/qisync/pkg/metrics"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			// Deletes interrupted by the last shutdown.
			resumed, err := a.projects.ResumeCascades(ctx)
			if err != nil {
				sentry.ReportIssuef(sentry.IssueTypeWarning, a.log, "failed to resume project deletes: %w", err)
			} else if resumed > 0 {
				a.log.Infow("cascades_resumed", "count", resumed)
			}

			if root.cfg.API.MetricsListen != "" {
				server := metrics.SetupMetricsEndpoint(root.cfg.API.MetricsListen)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()

					if err := server.Shutdown(shutdownCtx); err != nil {
						sentry.ReportIssuef(sentry.IssueTypeError, a.log, "failed to shutdown metrics server: %w", err)
					}
				}()
			}

			opts := []api.Option{
				api.WithSessionOptions(a.sessionOptions()...),
				api.WithFormCache(a.forms),
			}

			if h := a.hydrator(); h != nil {
				opts = append(opts, api.WithHydrator(h))
			}

			if sub := a.submitter(); sub != nil {
				opts = append(opts, api.WithSubmission(sub))
			}

			return api.New(a.projects, a.keeper, opts...).Run(ctx, root.cfg.API.Listen)
		},
	}
}
