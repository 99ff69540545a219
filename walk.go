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

package zipflow

import (
	"fmt"
	"os"
	"path/filepath"
)

// AddFSEntry walks path, which may be a regular file or a directory, and
// archives every regular file found under it. Symlinks to regular files are
// followed and archived under their own name; symlinks to directories are
// skipped (to avoid cycles), as are non-regular files such as pipes and
// sockets. Each skip produces one diagnostic through the Writer's logger.
//
// AddFSEntry is only valid between entries (Writer state "idle"). Archive
// names use the host's native path separator, matching what the walker
// itself produces; this Writer does not normalize them.
func (w *Writer) AddFSEntry(path string) error {
	if w.closed {
		return ErrClosed
	}
	if w.state != stateIdle {
		return ErrInvalidState
	}
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		w.snk.logf("skipping %q: %v", path, err)
		return nil
	}

	w.pathBuf.Reset()
	w.pathBuf.WriteString(filepath.Clean(path))
	return w.walk(info)
}

// walk explores the filesystem entry currently named by w.pathBuf, the
// walker's scratch path buffer (SPEC_FULL.md §2 component 3). The same
// buffer backs both the path used for filesystem access and the zip-local
// entry name: for a walk rooted at the path given to AddFSEntry, the two
// always agree, since archive names are never stripped down to be relative
// to that root. Recursing into a directory grows the buffer by one path
// component per child and truncates it back to the saved length on return,
// so no new string is allocated per directory level.
func (w *Writer) walk(info os.FileInfo) error {
	path := w.pathBuf.String()

	switch mode := info.Mode(); {
	case mode&os.ModeSymlink != 0:
		target, err := os.Stat(path)
		if err != nil {
			w.snk.logf("skipping %q: broken symlink: %v", path, err)
			return nil
		}
		if target.IsDir() {
			w.snk.logf("skipping %q: symlink to directory", path)
			return nil
		}
		if !target.Mode().IsRegular() {
			w.snk.logf("skipping %q: symlink to non-regular file", path)
			return nil
		}
		return w.archiveFile(path, target)

	case mode.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			w.snk.logf("skipping %q: %v", path, err)
			return nil
		}

		savedLen := w.pathBuf.Len()
		for _, de := range entries {
			w.pathBuf.Truncate(savedLen)
			w.pathBuf.WriteRune(filepath.Separator)
			w.pathBuf.WriteString(de.Name())

			childInfo, err := de.Info()
			if err != nil {
				w.snk.logf("skipping %q: %v", w.pathBuf.String(), err)
				continue
			}
			if err := w.walk(childInfo); err != nil {
				w.pathBuf.Truncate(savedLen)
				return err
			}
		}
		w.pathBuf.Truncate(savedLen)
		return nil

	case mode.IsRegular():
		return w.archiveFile(path, info)

	default:
		w.snk.logf("skipping %q: not a regular file or directory", path)
		return nil
	}
}

func (w *Writer) archiveFile(path string, info os.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		w.snk.logf("open error for %q: %v; entry omitted", path, err)
		return nil
	}
	defer f.Close()

	return w.addFileEntry(path, metaFromFileInfo(info), f)
}
