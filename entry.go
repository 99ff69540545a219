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
	"encoding/binary"
	"time"
)

// EntryMeta carries the OS-specific metadata a caller supplies for an entry
// fed through [Writer.CreateHeader]. It is implemented by [UnixMeta] and
// [WindowsMeta]; the set is closed by the unexported entryOS method.
type EntryMeta interface {
	entryOS() byte
	externalAttrs() uint32
	modTime() time.Time
	// appendTimestampExtra appends this entry's OS-specific timestamp
	// extra field (§6.1) to buf and returns the result.
	appendTimestampExtra(buf []byte) []byte
}

// UnixMeta describes a Unix-originated entry: a POSIX permission/type mode
// and 32-bit seconds-since-epoch access/modification times.
type UnixMeta struct {
	// Mode holds the POSIX mode bits (permissions plus optional setuid,
	// setgid, and sticky bits). The regular-file type bit is forced on
	// regardless of what is passed here.
	Mode uint32

	// ATime and MTime are the entry's access and modification times.
	// Only whole seconds are retained.
	ATime time.Time
	MTime time.Time
}

func (m UnixMeta) entryOS() byte { return OSUnix }

func (m UnixMeta) externalAttrs() uint32 {
	return (0o100000 | (m.Mode & 0o7777)) << 16
}

func (m UnixMeta) modTime() time.Time { return m.MTime }

// appendTimestampExtra appends the 0x5455 "UT" extra field. Per
// SPEC_FULL.md §6.1 this writer always emits both access and modification
// time, 12 bytes total (id, size, atime, mtime) with no flags byte.
func (m UnixMeta) appendTimestampExtra(buf []byte) []byte {
	buf = appendUint16(buf, idUnixExtra)
	buf = appendUint16(buf, 8)
	buf = appendUint32(buf, uint32(m.ATime.Unix()))
	buf = appendUint32(buf, uint32(m.MTime.Unix()))
	return buf
}

// WindowsMeta describes a Windows-originated entry: a raw NTFS attribute
// bitmap and 64-bit Windows FILETIME creation/access/modification times.
type WindowsMeta struct {
	// Attr holds the raw Windows external file attribute bitmap.
	Attr uint32

	// CTime, ATime, and MTime are the entry's creation, access, and
	// modification times.
	CTime, ATime, MTime time.Time
}

func (m WindowsMeta) entryOS() byte { return OSWindows }

func (m WindowsMeta) externalAttrs() uint32 { return m.Attr }

func (m WindowsMeta) modTime() time.Time { return m.MTime }

// appendTimestampExtra appends the 0x000A "NTFS" extra field: reserved(4),
// tag=1(2), tag-size=24(2), mtime(8), atime(8), ctime(8), 36 bytes total
// including the id and outer size.
func (m WindowsMeta) appendTimestampExtra(buf []byte) []byte {
	buf = appendUint16(buf, idNTFSExtra)
	buf = appendUint16(buf, 32)
	buf = appendUint32(buf, 0) // reserved
	buf = appendUint16(buf, 1) // tag 1: timestamps
	buf = appendUint16(buf, 24)
	buf = appendUint64(buf, timeToFiletime(m.MTime))
	buf = appendUint64(buf, timeToFiletime(m.ATime))
	buf = appendUint64(buf, timeToFiletime(m.CTime))
	return buf
}

// filetimeEpochDelta100ns is the number of 100-ns ticks between the
// Windows FILETIME epoch (1601-01-01 UTC) and the Unix epoch
// (1970-01-01 UTC).
const filetimeEpochDelta100ns = 116444736000000000

func timeToFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	ticks := t.UnixNano()/100 + filetimeEpochDelta100ns
	if ticks < 0 {
		return 0
	}
	return uint64(ticks)
}

// entryRecord is the bookkeeping kept for one successfully emitted entry
// until Close synthesizes the central directory.
type entryRecord struct {
	name            string
	os              byte
	externalAttrs   uint32
	modTime         time.Time
	timestampExtra  []byte
	gpFlag          uint16
	crc32           uint32
	uncompressedLen uint64
	compressedLen   uint64
	localOffset     uint64
}

// isZip64 reports whether this entry's own sizes require Zip64 fields in
// its data descriptor and (independently of localOffset) central header.
func (e *entryRecord) isZip64() bool {
	return e.uncompressedLen >= uint32max || e.compressedLen >= uint32max
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
