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
	"bufio"
	"bytes"
	"compress/flate"
	"fmt"
	"hash/crc32"
	"io"
	"math/bits"
	"os"
	"time"
)

// chunkSize is the read granularity used when pumping a file-backed entry
// through the compressor. It tracks SPEC_FULL.md §4.2: 256 KiB on 64-bit
// hosts, 32 KiB on 32-bit hosts.
var chunkSize = func() int {
	if bits.UintSize == 32 {
		return 32 * 1024
	}
	return 256 * 1024
}()

// feedState is the caller-fed entry state machine of SPEC_FULL.md §4.5.
type feedState int

const (
	stateIdle feedState = iota
	stateAwaitingFirstData
	stateInData
)

// sink is the single chokepoint for all output (SPEC_FULL.md §4.1). It
// tracks the running output offset and latches a sticky error: once set, no
// further bytes reach the underlying writer.
type sink struct {
	w      io.Writer
	offset uint64
	err    error
	log    func(string)
}

func (s *sink) logf(format string, args ...any) {
	if s.log != nil {
		s.log(fmt.Sprintf(format, args...))
	}
}

func (s *sink) write(p []byte) {
	if s.err != nil || len(p) == 0 {
		return
	}
	n, err := s.w.Write(p)
	s.offset += uint64(n)
	if err != nil {
		s.err = err
		s.logf("write error: %v", err)
	}
}

// finish requests a flush on end-of-stream, if the underlying writer
// supports one.
func (s *sink) finish() {
	if s.err != nil {
		return
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			s.err = err
			s.logf("flush error: %v", err)
		}
	}
}

// entryTarget adapts a sink plus the in-progress entryRecord into the
// io.Writer that the deflate engine writes its compressed output to,
// accumulating compressedLen as bytes are produced.
type entryTarget struct {
	snk   *sink
	entry *entryRecord
}

func (t *entryTarget) Write(p []byte) (int, error) {
	t.snk.write(p)
	if t.snk.err != nil {
		return 0, t.snk.err
	}
	t.entry.compressedLen += uint64(len(p))
	return len(p), nil
}

// Writer emits a ZIP archive to an underlying writer, one entry at a time,
// without ever seeking in its output. See the package doc for the
// concurrency contract.
type Writer struct {
	snk   *sink
	file  *os.File // set by Create; closed by Close.
	level int

	deflateW     *flate.Writer
	deflateLevel int
	haveDeflateW bool

	entries []*entryRecord
	state   feedState
	cur     *entryRecord
	omit    bool

	// pathBuf is the walker's scratch path buffer (SPEC_FULL.md §2
	// component 3): AddFSEntry and walk grow and truncate it in place as
	// they descend and return from directories, rather than allocating a
	// fresh joined string at every level.
	pathBuf bytes.Buffer

	closed bool
}

// Create opens path for writing and returns a Writer that archives into it
// at the given compression level (-1 for the default, 0-9 otherwise).
// Create truncates or creates path as needed and takes ownership of the
// resulting file: Close both flushes the archive and closes the file.
func Create(path string, level int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %q: %w", ErrZipflow, path, err)
	}
	w, err := NewWriter(bufio.NewWriter(f), level)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter returns a Writer archiving into w at the given compression
// level. Unlike Create, NewWriter does not take ownership of w: Close never
// closes it, though it does call a Flush method on w if one exists (as
// *bufio.Writer does).
func NewWriter(w io.Writer, level int) (*Writer, error) {
	if level < -1 || level > 9 {
		return nil, fmt.Errorf("%w: compression level %d out of range [-1, 9]", ErrInvalidArgument, level)
	}
	return &Writer{
		snk:   &sink{w: w, log: defaultLog},
		level: level,
		state: stateIdle,
	}, nil
}

func defaultLog(msg string) {
	fmt.Fprintf(os.Stderr, "zipflow: %s\n", msg)
}

// SetLogger installs fn as the diagnostic sink for this Writer, replacing
// the default (stderr with a "zipflow: " prefix). Passing nil discards
// diagnostics.
func (w *Writer) SetLogger(fn func(string)) {
	w.snk.log = fn
}

// SetLevel reconfigures the compression level used for entries started
// after this call. It is only valid between entries.
func (w *Writer) SetLevel(n int) error {
	if w.closed {
		return ErrClosed
	}
	if w.state != stateIdle {
		return ErrInvalidState
	}
	if n < -1 || n > 9 {
		return fmt.Errorf("%w: compression level %d out of range [-1, 9]", ErrInvalidArgument, n)
	}
	w.level = n
	return nil
}

func (w *Writer) currentGPFlag() uint16 {
	return 0x0008 | 0x0800 | levelFlagBits(w.level)
}

// levelFlagBits computes the general-purpose flag bits 1-2 compression
// signal. See SPEC_FULL.md §9 on this: retained for bit-exact
// compatibility, not consulted anywhere else in this package.
func levelFlagBits(level int) uint16 {
	switch {
	case level >= 9:
		return 0b01 << 1
	case level == 2:
		return 0b10 << 1
	case level == 1:
		return 0b11 << 1
	default:
		return 0
	}
}

// CreateHeader begins a caller-fed entry named name with the given
// OS-specific metadata. No bytes are emitted until Write or CloseEntry is
// called: the local header is written lazily so that an entry whose
// content is supplied long after its metadata still records the correct
// local-header offset.
func (w *Writer) CreateHeader(name string, meta EntryMeta) error {
	if w.closed {
		return ErrClosed
	}
	if w.state != stateIdle {
		return ErrInvalidState
	}
	if meta == nil {
		return fmt.Errorf("%w: nil EntryMeta", ErrInvalidArgument)
	}
	if len(name) > uint16max {
		return fmt.Errorf("%w: name %q exceeds 65535 bytes", ErrInvalidArgument, name)
	}

	w.cur = &entryRecord{
		name:           name,
		os:             meta.entryOS(),
		externalAttrs:  meta.externalAttrs(),
		modTime:        meta.modTime(),
		timestampExtra: meta.appendTimestampExtra(nil),
		localOffset:    w.snk.offset,
		gpFlag:         w.currentGPFlag(),
	}
	w.state = stateAwaitingFirstData
	return nil
}

// beginEntryData writes the local header for the current entry and
// (re)configures the deflate engine, the point at which a caller-fed entry
// actually starts producing output.
func (w *Writer) beginEntryData() error {
	w.writeLocalHeader(w.cur)
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	return w.resetDeflate(w.cur)
}

func (w *Writer) resetDeflate(e *entryRecord) error {
	target := &entryTarget{snk: w.snk, entry: e}
	if !w.haveDeflateW || w.deflateLevel != w.level {
		fw, err := flate.NewWriter(target, w.level)
		if err != nil {
			return fmt.Errorf("%w: initializing deflate writer: %w", ErrInvalidArgument, err)
		}
		w.deflateW = fw
		w.deflateLevel = w.level
		w.haveDeflateW = true
		return nil
	}
	w.deflateW.Reset(target)
	return nil
}

// Write feeds len(buf) uncompressed bytes to the current caller-fed entry.
// It is valid only after CreateHeader and before the matching CloseEntry.
func (w *Writer) Write(buf []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.snk.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	if w.state != stateAwaitingFirstData && w.state != stateInData {
		return 0, ErrInvalidState
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if w.state == stateAwaitingFirstData {
		if err := w.beginEntryData(); err != nil {
			return 0, err
		}
		w.state = stateInData
	}

	e := w.cur
	e.crc32 = crc32.Update(e.crc32, crc32.IEEETable, buf)
	e.uncompressedLen += uint64(len(buf))
	n, err := w.deflateW.Write(buf)
	if err != nil {
		if w.snk.err != nil {
			return n, fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
		}
		return n, err
	}
	return n, nil
}

// CloseEntry finishes the current caller-fed entry: it finalizes the
// deflate stream, writes the data descriptor, and records the entry. If a
// write error is latched, the entry is not recorded and ErrWrite is
// returned.
func (w *Writer) CloseEntry() error {
	if w.closed {
		return ErrClosed
	}
	if w.state == stateIdle {
		return ErrInvalidState
	}
	if w.state == stateAwaitingFirstData {
		if err := w.beginEntryData(); err != nil {
			w.state = stateIdle
			w.cur = nil
			return err
		}
	}

	e := w.cur
	if err := w.deflateW.Close(); err != nil && w.snk.err == nil {
		w.state = stateIdle
		w.cur = nil
		return fmt.Errorf("%w: finishing deflate stream: %w", ErrZipflow, err)
	}
	if w.snk.err != nil {
		w.state = stateIdle
		w.cur = nil
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}

	w.writeDataDescriptor(e)
	w.state = stateIdle
	w.cur = nil
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	w.entries = append(w.entries, e)
	return nil
}

// addFileEntry emits one entry by pumping r through the compressor, the
// file-backed path of SPEC_FULL.md §4.3. Unlike the caller-fed path, the
// local header is written immediately: the caller (the walker) has already
// confirmed the file is readable by the time this is called.
//
// A read error from r omits the entry from the central directory but still
// finishes the deflate stream and data descriptor, so the archive remains
// parseable. It is not itself treated as a Writer-level error.
func (w *Writer) addFileEntry(name string, meta EntryMeta, r io.Reader) error {
	if w.closed {
		return ErrClosed
	}
	if w.state != stateIdle {
		return ErrInvalidState
	}
	if len(name) > uint16max {
		return fmt.Errorf("%w: name %q exceeds 65535 bytes", ErrInvalidArgument, name)
	}

	e := &entryRecord{
		name:           name,
		os:             meta.entryOS(),
		externalAttrs:  meta.externalAttrs(),
		modTime:        meta.modTime(),
		timestampExtra: meta.appendTimestampExtra(nil),
		localOffset:    w.snk.offset,
		gpFlag:         w.currentGPFlag(),
	}
	w.writeLocalHeader(e)
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	if err := w.resetDeflate(e); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	omit := false
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			e.crc32 = crc32.Update(e.crc32, crc32.IEEETable, buf[:n])
			e.uncompressedLen += uint64(n)
			if _, werr := w.deflateW.Write(buf[:n]); werr != nil && w.snk.err == nil {
				// Treated as a write error only if the sink itself
				// latched; otherwise it is a compressor-internal error,
				// which §7 treats as a bug, not a runtime condition.
				break
			}
			if w.snk.err != nil {
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				omit = true
				w.snk.logf("read error for %q: %v; entry omitted", name, rerr)
			}
			break
		}
	}

	if err := w.deflateW.Close(); err != nil && w.snk.err == nil {
		return fmt.Errorf("%w: finishing deflate stream for %q: %w", ErrZipflow, name, err)
	}
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}

	w.writeDataDescriptor(e)
	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	if !omit {
		w.entries = append(w.entries, e)
	}
	return nil
}

// Close finishes the current entry (if any), writes the central directory
// and end-of-archive records, flushes, and releases all resources. Close is
// always terminal, even when it returns an error, and always runs its
// cleanup: a write error latched earlier in the session is reported here
// but does not prevent Close from completing.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if w.state != stateIdle {
		if w.state == stateAwaitingFirstData {
			_ = w.beginEntryData()
		}
		if w.cur != nil {
			if w.haveDeflateW {
				if err := w.deflateW.Close(); err != nil && w.snk.err == nil {
					w.snk.err = err
				}
				w.writeDataDescriptor(w.cur)
				if w.snk.err == nil {
					w.entries = append(w.entries, w.cur)
				}
			}
			w.cur = nil
		}
		w.state = stateIdle
	}

	w.writeCentralDirectory()
	w.snk.finish()

	var closeErr error
	if w.file != nil {
		closeErr = w.file.Close()
	}

	if w.snk.err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, w.snk.err)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing file: %w", ErrZipflow, closeErr)
	}
	return nil
}

// writeLocalHeader writes the local file header record (SPEC_FULL.md §6.1).
// It carries no extra field: since every entry relies on a trailing data
// descriptor (sizes are unknown up front), a Zip64 extra in the local
// header would need rewriting after the fact, which this writer never
// does; only the local-header offset can force Zip64 at this point.
func (w *Writer) writeLocalHeader(e *entryRecord) {
	versionNeeded := uint16(zipVersion20)
	if e.localOffset >= uint32max {
		versionNeeded = zipVersion45
	}

	date, timeField := dosDateTime(e.modTime)

	buf := make([]byte, 0, 30+len(e.name))
	buf = appendUint32(buf, sigLocalHeader)
	buf = appendUint16(buf, versionNeeded)
	buf = appendUint16(buf, e.gpFlag)
	buf = appendUint16(buf, methodDeflate)
	buf = appendUint16(buf, timeField)
	buf = appendUint16(buf, date)
	buf = appendUint32(buf, 0) // crc, in the data descriptor
	buf = appendUint32(buf, 0) // compressed size, in the data descriptor
	buf = appendUint32(buf, 0) // uncompressed size, in the data descriptor
	buf = appendUint16(buf, uint16(len(e.name)))
	buf = appendUint16(buf, 0) // extra length
	buf = append(buf, e.name...)

	w.snk.write(buf)
}

// writeDataDescriptor writes the trailer that carries the crc/sizes the
// local header wrote as zero (SPEC_FULL.md §6.1), in legacy or Zip64 form
// depending on whether this entry's own sizes overflow 32 bits.
func (w *Writer) writeDataDescriptor(e *entryRecord) {
	buf := make([]byte, 0, 24)
	buf = appendUint32(buf, sigDataDescriptor)
	buf = appendUint32(buf, e.crc32)
	if e.isZip64() {
		buf = appendUint64(buf, e.compressedLen)
		buf = appendUint64(buf, e.uncompressedLen)
	} else {
		buf = appendUint32(buf, uint32(e.compressedLen))
		buf = appendUint32(buf, uint32(e.uncompressedLen))
	}
	w.snk.write(buf)
}

// buildZip64Extra returns the Zip64 extra field for e, or nil if none of
// its three promotable fields overflow. Per SPEC_FULL.md §4.6, it contains
// only the overflowing fields, in canonical order: uncompressed,
// compressed, offset — the opposite order from the data descriptor.
func buildZip64Extra(e *entryRecord) []byte {
	var fields []byte
	if e.uncompressedLen >= uint32max {
		fields = appendUint64(fields, e.uncompressedLen)
	}
	if e.compressedLen >= uint32max {
		fields = appendUint64(fields, e.compressedLen)
	}
	if e.localOffset >= uint32max {
		fields = appendUint64(fields, e.localOffset)
	}
	if len(fields) == 0 {
		return nil
	}
	extra := make([]byte, 0, 4+len(fields))
	extra = appendUint16(extra, idZip64Extra)
	extra = appendUint16(extra, uint16(len(fields)))
	extra = append(extra, fields...)
	return extra
}

// writeCentralDirectory synthesizes the central directory and end-of-archive
// records at Close time (SPEC_FULL.md §4.6).
func (w *Writer) writeCentralDirectory() {
	dirOffset := w.snk.offset

	for _, e := range w.entries {
		zip64Extra := buildZip64Extra(e)
		zip64Needed := e.isZip64() || e.localOffset >= uint32max

		versionNeeded := uint16(zipVersion20)
		if zip64Needed {
			versionNeeded = zipVersion45
		}
		versionMadeBy := uint16(e.os)<<8 | zipVersion45

		extra := make([]byte, 0, len(zip64Extra)+len(e.timestampExtra))
		extra = append(extra, zip64Extra...)
		extra = append(extra, e.timestampExtra...)

		date, timeField := dosDateTime(e.modTime)

		buf := make([]byte, 0, 46+len(e.name)+len(extra))
		buf = appendUint32(buf, sigCentralHeader)
		buf = appendUint16(buf, versionMadeBy)
		buf = appendUint16(buf, versionNeeded)
		buf = appendUint16(buf, e.gpFlag)
		buf = appendUint16(buf, methodDeflate)
		buf = appendUint16(buf, timeField)
		buf = appendUint16(buf, date)
		buf = appendUint32(buf, e.crc32)
		if e.compressedLen >= uint32max {
			buf = appendUint32(buf, uint32max)
		} else {
			buf = appendUint32(buf, uint32(e.compressedLen))
		}
		if e.uncompressedLen >= uint32max {
			buf = appendUint32(buf, uint32max)
		} else {
			buf = appendUint32(buf, uint32(e.uncompressedLen))
		}
		buf = appendUint16(buf, uint16(len(e.name)))
		buf = appendUint16(buf, uint16(len(extra)))
		buf = appendUint16(buf, 0) // comment length
		buf = appendUint16(buf, 0) // disk number start
		buf = appendUint16(buf, 0) // internal attributes
		buf = appendUint32(buf, e.externalAttrs)
		if e.localOffset >= uint32max {
			buf = appendUint32(buf, uint32max)
		} else {
			buf = appendUint32(buf, uint32(e.localOffset))
		}
		buf = append(buf, e.name...)
		buf = append(buf, extra...)

		w.snk.write(buf)
		if w.snk.err != nil {
			return
		}
	}

	dirLen := w.snk.offset - dirOffset
	entryCount := uint64(len(w.entries))

	if entryCount >= uint16max || dirLen >= uint32max || dirOffset >= uint32max {
		zip64EOCDOffset := w.snk.offset

		buf := make([]byte, 0, directory64EndLen+directory64LocLen)
		buf = appendUint32(buf, sigZip64EOCDRec)
		buf = appendUint64(buf, 44) // size of remainder of this record
		buf = appendUint16(buf, zipVersion45)
		buf = appendUint16(buf, zipVersion45)
		buf = appendUint32(buf, 0) // disk number
		buf = appendUint32(buf, 0) // disk with start of central directory
		buf = appendUint64(buf, entryCount)
		buf = appendUint64(buf, entryCount)
		buf = appendUint64(buf, dirLen)
		buf = appendUint64(buf, dirOffset)

		buf = appendUint32(buf, sigZip64EOCDLoc)
		buf = appendUint32(buf, 0) // disk with the zip64 EOCD record
		buf = appendUint64(buf, zip64EOCDOffset)
		buf = appendUint32(buf, 1) // total number of disks

		w.snk.write(buf)
		if w.snk.err != nil {
			return
		}
	}

	buf := make([]byte, 0, 22)
	buf = appendUint32(buf, sigEOCD)
	buf = appendUint16(buf, 0) // disk number
	buf = appendUint16(buf, 0) // disk with start of central directory
	buf = appendUint16(buf, clampUint16(entryCount))
	buf = appendUint16(buf, clampUint16(entryCount))
	buf = appendUint32(buf, clampUint32(dirLen))
	buf = appendUint32(buf, clampUint32(dirOffset))
	buf = appendUint16(buf, 0) // comment length
	w.snk.write(buf)
}

const (
	directory64EndLen = 12 + 44 // signature + size field + 44-byte body
	directory64LocLen = 20
)

func clampUint16(n uint64) uint16 {
	if n >= uint16max {
		return uint16max
	}
	return uint16(n)
}

func clampUint32(n uint64) uint32 {
	if n >= uint32max {
		return uint32max
	}
	return uint32(n)
}

// dosDateTime converts t to the packed MS-DOS date and time fields used in
// local and central headers (SPEC_FULL.md §4.7). Only even seconds are
// representable, so t is rounded up first.
func dosDateTime(t time.Time) (date, timeField uint16) {
	if t.Second()%2 != 0 {
		t = t.Add(time.Second)
	}
	t = t.Local()

	year := t.Year()
	if year < 1980 {
		return 0x0021, 0x0000
	}

	date = uint16(year-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	timeField = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, timeField
}
