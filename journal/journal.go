// Package journal implements append-only, checksummed, segmented record
// logs used as the write-ahead journal of the memory engine.
//
// A journal is a directory of segment files named
// <prefix><segment>-<timestamp>-<first record><suffix>. Each open for writing
// starts a new segment; a segment is also rotated once it grows past
// MaxFileSize.
//
// File format:
//
//   - file = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segment:32 timestamp:32 reserved:64 journalInvariant:256 segmentInvariant:256 reserved:64*3 checksum:64
//   - record = size:uvarint tsDelta:uvarint bytes* checksum:64
//
// Checksums are xxhash64 running over the whole segment up to the checksum
// itself, so a record checksum covers every preceding byte of the file.
//
// Replay stops at the first torn or corrupted record of the last segment and
// truncates the file there; damage in any earlier segment is an error.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrCorrupted          = fmt.Errorf("corrupted journal segment")
	ErrClosed             = fmt.Errorf("journal closed")
	errCorruptedFile      = fmt.Errorf("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.wal"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every Append fsync the segment.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	timestampFmt = "20060102T150405"
	checksumSize = 8
)

// Journal is a set of segment files in one directory. Append and Replay are
// safe for concurrent use, but Replay must finish before the first Append.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	sync             bool
	verbose          bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	lock      sync.Mutex
	segments  []string
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
	closed    bool
}

// Open lists the segments in dir, creating the directory if needed.
func Open(dir string, o Options) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		sync:             o.Sync,
		verbose:          o.Verbose,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}

	err := os.MkdirAll(dir, 0o777)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", j.debugName, err)
	}
	err = j.scan()
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

// Now returns the current time as journal seconds.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

// Segments returns the segment file names in order.
func (j *Journal) Segments() []string {
	j.lock.Lock()
	defer j.lock.Unlock()
	return slices.Clone(j.segments)
}

// RecordCount returns the number of records replayed or appended so far.
func (j *Journal) RecordCount() uint64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.writeRec
}

func (j *Journal) scan() error {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return err
	}
	j.segments = j.segments[:0]
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		seq, _, _, err := j.parseFileName(name)
		if err != nil {
			return err
		}
		if seq > j.writeSeg {
			j.writeSeg = seq
		}
		j.segments = append(j.segments, name)
	}
	slices.Sort(j.segments)
	return nil
}

func (j *Journal) parseFileName(name string) (seq, ts uint32, id uint64, err error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(inner)
}

// Replay calls fn for every intact record in order. A torn tail of the last
// segment is truncated away with a warning.
func (j *Journal) Replay(fn func(ts time.Time, data []byte) error) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.segWriter != nil {
		panic("journal: Replay called after writing started")
	}

	for i := 0; i < len(j.segments); i++ {
		if err := j.context.Err(); err != nil {
			return err
		}
		name := j.segments[i]
		last := (i == len(j.segments)-1)
		n, err := j.replaySegment(name, last, fn)
		if err == errCorruptedFile && last {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", name))
			err := os.Remove(filepath.Join(j.dir, name))
			if err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			j.segments = j.segments[:i]
			break
		} else if err == errCorruptedFile {
			return fmt.Errorf("%v: %s: %w", j.debugName, name, ErrCorrupted)
		} else if err != nil {
			return err
		}
		j.writeRec += n
	}
	return nil
}

func (j *Journal) replaySegment(name string, last bool, fn func(ts time.Time, data []byte) error) (uint64, error) {
	seq, _, first, err := j.parseFileName(name)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(j.dir, name)
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var h segmentHeader
	var hash xxhash.Digest
	hash.Reset()
	err = j.readHeader(buf, &h, seq, &hash)
	if err != nil {
		return 0, err
	}
	if first != j.writeRec+1 && j.writeRec != 0 {
		return 0, fmt.Errorf("%v: %s: expected first record %d, got %d: %w", j.debugName, name, j.writeRec+1, first, ErrCorrupted)
	}

	ts := h.Timestamp
	off := segmentHeaderSize
	var n uint64
	for off < len(buf) {
		data, tsDelta, end, ok := readRecord(buf, off, &hash)
		if !ok {
			if !last {
				return n, errCorruptedFile
			}
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating torn tail", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int("off", off), slog.Int("size", len(buf)))
			err := os.Truncate(path, int64(off))
			if err != nil {
				return n, fmt.Errorf("journal: failed to truncate: %w", err)
			}
			break
		}
		ts += tsDelta
		err := fn(time.Unix(int64(ts), 0).UTC(), data)
		if err != nil {
			return n, err
		}
		n++
		off = end
	}
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: replayed segment", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Uint64("records", n))
	}
	return n, nil
}

func readRecord(buf []byte, off int, hash *xxhash.Digest) (data []byte, tsDelta uint32, end int, ok bool) {
	start := off
	size, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return nil, 0, 0, false
	}
	off += n
	delta, n := binary.Uvarint(buf[off:])
	if n <= 0 || delta > 0xFFFF_FFFF {
		return nil, 0, 0, false
	}
	off += n
	if size > uint64(len(buf)-off) || len(buf)-off-int(size) < checksumSize {
		return nil, 0, 0, false
	}
	data = buf[off : off+int(size)]
	off += int(size)

	tmp := *hash
	tmp.Write(buf[start:off])
	if tmp.Sum64() != binary.LittleEndian.Uint64(buf[off:]) {
		return nil, 0, 0, false
	}
	tmp.Write(buf[off : off+checksumSize])
	*hash = tmp
	return data, uint32(delta), off + checksumSize, true
}

// Append writes one record, starting a new segment if needed.
func (j *Journal) Append(data []byte) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}

	ts := j.Now()
	if j.segWriter != nil && j.segWriter.size >= j.maxFileSize {
		j.finishSegment_locked()
	}
	if j.segWriter == nil {
		j.writeSeg++
		sw, err := startSegment(j, j.writeSeg, ts, j.writeRec+1)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
		j.segments = append(j.segments, sw.name)
	}
	j.writeRec++

	err := j.segWriter.writeRecord(ts, data)
	if err == nil && j.sync {
		err = datasync(j.segWriter.f)
	}
	return j.fail(err)
}

// Sync flushes the current segment to stable storage.
func (j *Journal) Sync() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.segWriter == nil {
		return nil
	}
	return j.fail(datasync(j.segWriter.f))
}

// Rotate closes the current segment; the next Append starts a new one.
func (j *Journal) Rotate() {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.finishSegment_locked()
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var err error
	if j.segWriter != nil {
		err = datasync(j.segWriter.f)
	}
	j.finishSegment_locked()
	return err
}

func (j *Journal) finishSegment_locked() {
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishSegment_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) readHeader(buf []byte, h *segmentHeader, expectedSeq uint32, hash *xxhash.Digest) error {
	if len(buf) < segmentHeaderSize {
		return errCorruptedFile
	}
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-checksumSize])
	if hash.Sum64() != h.Checksum {
		return errCorruptedFile
	}
	hash.Write(buf[segmentHeaderSize-checksumSize : segmentHeaderSize])
	if h.Magic != magic {
		return ErrIncompatible
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f    *os.File
	name string
	seg  uint32
	ts   uint32
	size int64
	hash xxhash.Digest
	buf  bytes.Buffer
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		name: name,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: started segment", slog.String("jrnl", j.debugName), slog.String("file", name))
	}
	ok = true
	return sw, nil
}

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}

	sw.buf.Reset()
	var hbuf [2 * binary.MaxVarintLen64]byte
	sw.buf.Write(appendRecordHeader(hbuf[:0], len(data), tsDelta))
	sw.buf.Write(data)

	sw.hash.Write(sw.buf.Bytes())
	var cbuf [checksumSize]byte
	binary.LittleEndian.PutUint64(cbuf[:], sw.hash.Sum64())
	sw.hash.Write(cbuf[:])
	sw.buf.Write(cbuf[:])

	n, err := sw.f.Write(sw.buf.Bytes())
	sw.size += int64(n)
	return err
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     0,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-checksumSize])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-checksumSize:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-checksumSize : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size))
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}

// IsCorrupted reports whether err came from damaged journal data.
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted)
}
