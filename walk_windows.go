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

//go:build windows

package zipflow

import (
	"os"
	"syscall"
	"time"
)

const (
	fileAttributeReadonly = 0x1
	fileAttributeNormal   = 0x80
)

// metaFromFileInfo builds the WindowsMeta for a regular file discovered by
// the walker, pulling creation/access/write FILETIMEs straight from the
// raw Win32FileAttributeData that os.Stat already retrieved.
func metaFromFileInfo(fi os.FileInfo) EntryMeta {
	attr := uint32(fileAttributeNormal)
	if fi.Mode().Perm()&0o200 == 0 {
		attr = fileAttributeReadonly
	}

	var ctime, atime, mtime syscall.Filetime
	if sys, ok := fi.Sys().(*syscall.Win32FileAttributeData); ok {
		attr = sys.FileAttributes
		ctime = sys.CreationTime
		atime = sys.LastAccessTime
		mtime = sys.LastWriteTime
	} else {
		mtime = syscall.NsecToFiletime(fi.ModTime().UnixNano())
		atime = mtime
		ctime = mtime
	}

	return WindowsMeta{
		Attr:  attr,
		CTime: filetimeToTime(ctime),
		ATime: filetimeToTime(atime),
		MTime: filetimeToTime(mtime),
	}
}

func filetimeToTime(ft syscall.Filetime) time.Time {
	return time.Unix(0, ft.Nanoseconds())
}
