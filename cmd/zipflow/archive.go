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
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/madler/zipflow"
)

const (
	// ExitCodeSuccess is the successful exit code.
	ExitCodeSuccess int = iota

	// ExitCodeFlagParseError is the exit code for a flag parsing error.
	ExitCodeFlagParseError

	// ExitCodeUnknownError is the exit code for an unknown error.
	ExitCodeUnknownError
)

// ExitCodeWriteError is the exit code when Close reports a latched write
// error (zipflow.ErrWrite): the archive could not be finished because the
// underlying output stream failed. It shares ExitCodeFlagParseError's value
// by contract, not by accident — both are user-actionable, non-internal
// failures distinct from ExitCodeUnknownError.
const ExitCodeWriteError = ExitCodeFlagParseError

// ErrFlagParse is a flag parsing error.
var ErrFlagParse = errors.New("parsing flags")

// ErrZipflowCLI wraps errors surfaced by the command line tool itself, as
// opposed to the zipflow package.
var ErrZipflowCLI = errors.New("zipflow")

func init() {
	// See: github.com/urfave/cli/issues/1809. Moving the real help text off
	// the flag the library wires up automatically keeps "--help path"
	// from being parsed as a command lookup.
	cli.HelpFlag = &cli.BoolFlag{
		Name:               "d41d8cd98f00b204e980",
		DisableDefaultText: true,
	}
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}

func newZipflowApp() *cli.App {
	return &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "Stream a PKZIP-compatible archive without seeking.",
		Description: strings.Join([]string{
			"zipflow(1) writes a ZIP archive of the given files and",
			"directories to --output (or standard output) as a single",
			"forward-only byte stream.",
			"https://github.com/madler/zipflow",
		}, "\n"),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Usage:   "archive path (default: standard output)",
				Aliases: []string{"o"},
			},
			&cli.IntFlag{
				Name:    "level",
				Usage:   "deflate level, -1 (default) through 9, or 0 for store-equivalent",
				Aliases: []string{"l"},
				Value:   -1,
			},
			&cli.BoolFlag{
				Name:               "force",
				Usage:              "overwrite --output if it already exists",
				Aliases:            []string{"f"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "help",
				Usage:              "print this help text and exit",
				Aliases:            []string{"h"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "version",
				Usage:              "print version information and exit",
				Aliases:            []string{"v"},
				DisableDefaultText: true,
			},
		},
		Commands: []*cli.Command{
			newListCommand(),
		},
		ArgsUsage:       "[PATH]...",
		Copyright:       "Google LLC",
		HideHelp:        true,
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			if c.Bool("help") {
				printBanner(c.App.Writer)
				check(cli.ShowAppHelp(c))
				return nil
			}

			if c.Bool("version") {
				printVersion(c.App.Writer, c.App.Name)
				return nil
			}

			if c.NArg() == 0 {
				return fmt.Errorf("%w: no paths given, nothing to archive", ErrZipflowCLI)
			}

			a := archiver{
				output: c.String("output"),
				level:  c.Int("level"),
				force:  c.Bool("force"),
				paths:  c.Args().Slice(),
			}
			return a.Run()
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return fmt.Errorf("%w: %w", ErrFlagParse, err)
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			_ = must(fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err))
			if errors.Is(err, ErrFlagParse) {
				cli.OsExiter(ExitCodeFlagParseError)
				return
			}
			if errors.Is(err, zipflow.ErrWrite) {
				cli.OsExiter(ExitCodeWriteError)
				return
			}
			cli.OsExiter(ExitCodeUnknownError)
		},
	}
}

// archiver drives one zipflow.Writer over a set of command-line paths.
type archiver struct {
	output string
	level  int
	force  bool
	paths  []string
}

func (a *archiver) Run() error {
	w, closeFn, err := a.openWriter()
	if err != nil {
		return err
	}

	for _, path := range a.paths {
		if err := w.AddFSEntry(path); err != nil {
			_ = w.Close()
			closeFn()
			return fmt.Errorf("%w: archiving %q: %w", ErrZipflowCLI, path, err)
		}
	}

	if err := w.Close(); err != nil {
		closeFn()
		return fmt.Errorf("%w: finishing archive: %w", ErrZipflowCLI, err)
	}
	return closeFn()
}

func (a *archiver) openWriter() (*zipflow.Writer, func() error, error) {
	if a.output == "" {
		w, err := zipflow.NewWriter(os.Stdout, a.level)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrZipflowCLI, err)
		}
		return w, func() error { return nil }, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !a.force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(a.output, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening %q: %w", ErrZipflowCLI, a.output, err)
	}

	w, err := zipflow.NewWriter(f, a.level)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrZipflowCLI, err)
	}
	return w, f.Close, nil
}
