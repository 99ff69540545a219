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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// newGendocsCommand builds the hidden "gendocs" subcommand used to render
// this tool's own man pages during release builds; it is not part of the
// user-facing interface.
func newGendocsCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:    "gendocs",
		Short:  "generate man pages for zipflow-walk into --dir",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("%w: creating %q: %w", ErrZipflowWalk, dir, err)
			}
			header := &doc.GenManHeader{
				Title:   "ZIPFLOW-WALK",
				Section: "1",
			}
			return doc.GenManTree(cmd.Root(), header, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "man", "output directory for generated man pages")
	return cmd
}
