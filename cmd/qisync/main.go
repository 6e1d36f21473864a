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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/qisync/pkg/config"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
	"github.com/united-manufacturing-hub/qisync/pkg/sentry"
)

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = sentry.DefaultAppVersion

type rootOptions struct {
	configPath string
	envFiles   []string
	cfg        config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "qisync",
		Short:         "Local document sync for quality install forms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFiles...)
			if err != nil {
				return err
			}

			opts.cfg = cfg

			logger.InitializeWith(cfg.Logging.Level, cfg.Logging.Format)
			sentry.InitSentry(appVersion, cfg.Sentry.DSN, cfg.Sentry.DebounceErrors)

			logger.For(logger.ComponentCLI).Debugw("config_loaded", "command", cmd.Name(), "config", cfg.Redacted())

			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files loaded before environment overrides (default .env)")

	root.AddCommand(
		newServeCommand(opts),
		newHydrateCommand(opts),
		newProjectsCommand(opts),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Config is not needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appVersion)
		},
	}
}
