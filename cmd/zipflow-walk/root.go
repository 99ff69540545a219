// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"

	"github.com/madler/zipflow"
)

// ErrZipflowWalk wraps errors surfaced by this command, as opposed to the
// zipflow package.
var ErrZipflowWalk = errors.New("zipflow-walk")

var (
	flagOutput string
	flagLevel  int
	flagForce  bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "zipflow-walk [PATH]...",
		Short: "Stream a PKZIP-compatible archive of a filesystem tree",
		Long: "zipflow-walk archives every regular file under the given paths " +
			"into a single forward-only ZIP stream, written to --output or " +
			"standard output.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closeFn, err := openWriter()
			if err != nil {
				return err
			}
			for _, path := range args {
				if err := w.AddFSEntry(path); err != nil {
					_ = w.Close()
					_ = closeFn()
					return fmt.Errorf("%w: archiving %q: %w", ErrZipflowWalk, path, err)
				}
			}
			if err := w.Close(); err != nil {
				_ = closeFn()
				return fmt.Errorf("%w: finishing archive: %w", ErrZipflowWalk, err)
			}
			return closeFn()
		},
	}

	root.Flags().StringVarP(&flagOutput, "output", "o", "", "archive path (default: standard output)")
	root.Flags().IntVarP(&flagLevel, "level", "l", -1, "deflate level, -1 through 9")
	root.Flags().BoolVarP(&flagForce, "force", "f", false, "overwrite --output if it already exists")

	root.AddCommand(newVersionCommand())
	root.AddCommand(newGendocsCommand())
	return root
}

func openWriter() (*zipflow.Writer, func() error, error) {
	if flagOutput == "" {
		w, err := zipflow.NewWriter(os.Stdout, flagLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrZipflowWalk, err)
		}
		return w, func() error { return nil }, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !flagForce {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(flagOutput, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %q: %w", ErrZipflowWalk, flagOutput, err)
	}
	w, err := zipflow.NewWriter(f, flagLevel)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrZipflowWalk, err)
	}
	return w, f.Close, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetVersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", cmd.Root().Name(), info.GitVersion, info.String())
			return nil
		},
	}
}
