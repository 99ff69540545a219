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
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rodaine/table"
	"github.com/urfave/cli/v2"
)

// newListCommand builds the "list" subcommand, a dry run that walks the
// given paths the same way the archiver would and prints what would be
// written without producing an archive.
func newListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "show what 'zipflow' would archive, without writing one",
		ArgsUsage: "[PATH]...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("%w: no paths given", ErrZipflowCLI)
			}

			var rows []listRow
			for _, path := range c.Args().Slice() {
				found, err := listWalk(path)
				if err != nil {
					return fmt.Errorf("%w: listing %q: %w", ErrZipflowCLI, path, err)
				}
				rows = append(rows, found...)
			}

			tbl := table.New("mode", "size", "modified", "name")
			for _, r := range rows {
				tbl.AddRow(r.mode, r.size, r.modified, r.name)
			}
			tbl.Print()

			fmt.Fprintf(c.App.Writer, "%d entr", len(rows))
			if len(rows) == 1 {
				fmt.Fprintln(c.App.Writer, "y")
			} else {
				fmt.Fprintln(c.App.Writer, "ies")
			}
			return nil
		},
	}
}

type listRow struct {
	mode     string
	size     int64
	modified string
	name     string
}

func listWalk(root string) ([]listRow, error) {
	var rows []listRow
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "zipflow: skipping %q: %v\n", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			fmt.Fprintf(os.Stderr, "zipflow: skipping %q: %v\n", path, err)
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
			info = target
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rows = append(rows, listRow{
			mode:     info.Mode().String(),
			size:     info.Size(),
			modified: info.ModTime().Format("2006-01-02 15:04:05"),
			name:     path,
		})
		return nil
	})
	return rows, err
}
