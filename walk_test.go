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
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

// TestAddFSEntryWalksDirectory archives a directory containing a regular
// file, a subdirectory with its own file, and a symlink back to the first
// file. Both regular files are archived, and the symlink is followed and
// archived under its own name rather than skipped, so the archive holds
// three entries (two where the symlink is not created, on windows).
func TestAddFSEntryWalksDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello from a"), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("hello from b"), 0o644); err != nil {
		t.Fatal(err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	w, err := NewWriter(&out, 6)
	if err != nil {
		t.Fatal(err)
	}

	var logs []string
	w.SetLogger(func(msg string) { logs = append(logs, msg) })

	if err := w.AddFSEntry(root); err != nil {
		t.Fatalf("AddFSEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := readBack(t, out.Bytes())

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)

	wantMin := 2
	if runtime.GOOS != "windows" {
		wantMin = 3
	}
	if len(names) < wantMin {
		t.Fatalf("got %d entries (%v), want at least %d", len(names), names, wantMin)
	}

	found := map[string]bool{}
	for _, n := range names {
		found[filepath.Base(n)] = true
	}
	if !found["a.txt"] || !found["b.txt"] {
		t.Errorf("missing expected entries in %v", names)
	}
	if runtime.GOOS != "windows" && !found["link.txt"] {
		t.Errorf("symlink target not archived: %v", names)
	}
}

// TestAddFSEntrySkipsSymlinkToDirectory verifies a symlink whose target is
// itself a directory is skipped rather than followed, which would otherwise
// risk an archiving cycle.
func TestAddFSEntrySkipsSymlinkToDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevated privileges on windows")
	}

	root := t.TempDir()
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	w, err := NewWriter(&out, 6)
	if err != nil {
		t.Fatal(err)
	}
	var logs []string
	w.SetLogger(func(msg string) { logs = append(logs, msg) })

	if err := w.AddFSEntry(root); err != nil {
		t.Fatalf("AddFSEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := readBack(t, out.Bytes())
	for _, f := range zr.File {
		if filepath.Base(f.Name) == "alias" {
			t.Errorf("symlink to directory should not have been archived, got entry %q", f.Name)
		}
	}

	var sawDirSkip bool
	for _, l := range logs {
		if bytes.Contains([]byte(l), []byte("symlink to directory")) {
			sawDirSkip = true
		}
	}
	if !sawDirSkip {
		t.Errorf("expected a diagnostic about the directory symlink, got %v", logs)
	}
}

// TestAddFSEntryOnSingleFile exercises AddFSEntry called directly on a
// regular file path, rather than a directory root.
func TestAddFSEntryOnSingleFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "solo.txt")
	if err := os.WriteFile(path, []byte("solo"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	w, err := NewWriter(&out, 6)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddFSEntry(path); err != nil {
		t.Fatalf("AddFSEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := readBack(t, out.Bytes())
	if len(zr.File) != 1 {
		t.Fatalf("got %d entries, want 1", len(zr.File))
	}
	if got := filepath.Base(zr.File[0].Name); got != "solo.txt" {
		t.Errorf("entry name = %q, want solo.txt", got)
	}
}

// TestAddFSEntryInvalidState verifies AddFSEntry is rejected mid-entry.
func TestAddFSEntryInvalidState(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out, 6)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.CreateHeader("x", UnixMeta{Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := w.AddFSEntry(t.TempDir()); err == nil {
		t.Error("expected error adding an fs entry mid-entry, got nil")
	}
}
