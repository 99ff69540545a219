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

//go:build !windows

package zipflow

import "os"

// metaFromFileInfo builds the UnixMeta for a regular file discovered by the
// walker. The access time is not independently available in a
// platform-portable way without a syscall.Stat_t type assertion per
// variant of Unix, so it is set equal to the modification time; this
// matches what most "last accessed" fields end up reporting in practice
// once a file has been read for archiving anyway.
func metaFromFileInfo(fi os.FileInfo) EntryMeta {
	perm := uint32(fi.Mode().Perm())
	if fi.Mode()&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if fi.Mode()&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if fi.Mode()&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return UnixMeta{
		Mode:  perm,
		ATime: fi.ModTime(),
		MTime: fi.ModTime(),
	}
}
