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
	"errors"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newHydrateCommand(root *rootOptions) *cobra.Command {
	var userID, processStepID string

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Pull the remote forms of a user into the local store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			h := a.hydrator()
			if h == nil {
				return errors.New("hydration needs a remote base URL")
			}

			st, err := a.keeper.Load(ctx)
			if err != nil {
				return err
			}

			if userID == "" {
				userID = st.UserID
			}

			if processStepID == "" {
				processStepID = st.ProcessStepID
			}

			res, err := h.Run(ctx, userID, processStepID)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "remote user id (default from the stored session)")
	cmd.Flags().StringVar(&processStepID, "process-step-id", "", "remote process step id (default from the stored session)")

	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
