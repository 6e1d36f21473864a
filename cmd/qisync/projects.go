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
	"bufio"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
)

func newProjectsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage local projects",
	}

	cmd.AddCommand(
		newProjectsListCommand(root),
		newProjectsDeleteCommand(root),
		newProjectsExportCommand(root),
		newProjectsImportCommand(root),
		newProjectsCleanupCommand(root),
	)

	return cmd
}

func newProjectsListCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects, most recently edited first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			docs, err := a.projects.RetrieveProjectDocs(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), docs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tINSTALLATIONS\tLAST MODIFIED")

			for _, d := range docs {
				modified, _ := d.Metadata[models.MetaLastModifiedAt].(string)
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.Name(), len(d.Children), modified)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func newProjectsDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project, its installations and their remote records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.projects.DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])

			return nil
		},
	}
}

func newProjectsExportCommand(root *rootOptions) *cobra.Command {
	var (
		out      string
		compress bool
		children bool
	)

	cmd := &cobra.Command{
		Use:   "export <doc-id>",
		Short: "Write a document bundle with inline attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			bundle, err := a.projects.Export(cmd.Context(), args[0], children)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				return projects.EncodeBundle(cmd.OutOrStdout(), bundle, compress)
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}

			w := bufio.NewWriter(f)
			if err := projects.EncodeBundle(w, bundle, compress); err != nil {
				_ = f.Close()

				return err
			}

			if err := w.Flush(); err != nil {
				_ = f.Close()

				return err
			}

			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&compress, "zstd", false, "compress the bundle with zstd")
	cmd.Flags().BoolVar(&children, "children", true, "include every document below the root")

	return cmd
}

func newProjectsImportCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle-file>",
		Short: "Import a bundle as a new project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			bundle, err := projects.DecodeBundle(f)
			if err != nil {
				return err
			}

			res, err := a.projects.Import(cmd.Context(), bundle)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newProjectsCleanupCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove unnamed projects that were never edited",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.projects.DeleteEmptyProjects(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d empty projects\n", removed)

			return err
		},
	}
}
