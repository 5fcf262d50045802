package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/kvdict/journal"
	"github.com/andreyvit/kvdict/journal/journaltest"
)

var bytesEq = journaltest.BytesEq

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/journal_inv 0*32/seg_inv 0...*3/reserved"

func TestJournal_layout(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("hello")))
	ensure(j.Append([]byte("w")))
	j.Advance(1000 * time.Second)
	ensure(j.Append([]byte("orld")))
	ensure(j.Close())

	files := j.FileNames()
	deepEq(t, files, []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	data := j.Data(files[0])
	if len(data) != 169 {
		t.Fatalf("size = %d, wanted %d", len(data), 169)
	}
	bytesEq(t, data[:120], journaltest.Expand(shdr("1.. 80_00_92_65 0...")))
	bytesEq(t, data[128:135], journaltest.Expand("#5 #0 'hello"))
	bytesEq(t, data[143:146], journaltest.Expand("#1 #0 'w"))
	bytesEq(t, data[154:161], journaltest.Expand("#4 #1000 'orld"))
}

func TestJournal_replay(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("a")))
	ensure(j.Append([]byte("b")))
	j.Advance(5 * time.Second)
	ensure(j.Append([]byte("c")))

	j.Reopen()
	var stamps []time.Time
	var recs []string
	ensure(j.Replay(func(ts time.Time, data []byte) error {
		stamps = append(stamps, ts)
		recs = append(recs, string(data))
		return nil
	}))
	deepEq(t, recs, []string{"a", "b", "c"})
	deepEq(t, stamps[2], journaltest.Start.Add(5*time.Second))
	deepEq(t, j.RecordCount(), uint64(3))

	ensure(j.Append([]byte("d")))
	deepEq(t, len(j.FileNames()), 2)
	deepEq(t, j.FileNames()[1], "j000000000002-20240101T000005-0000000000000004.wal")

	j.Reopen()
	deepEq(t, j.ReplayAll(), []string{"a", "b", "c", "d"})
}

func TestJournal_tornTail(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("first")))
	ensure(j.Append([]byte("second")))
	ensure(j.Close())

	name := j.FileNames()[0]
	fn := filepath.Join(j.Dir, name)
	full := len(j.Data(name))
	ensure(os.Truncate(fn, int64(full-3)))

	j.Reopen()
	deepEq(t, j.ReplayAll(), []string{"first"})
	deepEq(t, len(j.Data(name)), 128+2+5+8)

	ensure(j.Append([]byte("third")))
	j.Reopen()
	deepEq(t, j.ReplayAll(), []string{"first", "third"})
}

func TestJournal_corruptedHeaderOfLastSegment(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("x")))
	j.Rotate()
	ensure(j.Append([]byte("y")))
	ensure(j.Close())

	names := j.FileNames()
	deepEq(t, len(names), 2)
	j.Put(names[1], "'garbage")

	j.Reopen()
	deepEq(t, j.ReplayAll(), []string{"x"})
	deepEq(t, j.FileNames(), names[:1])
}

func TestJournal_corruptedMiddleSegment(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("abc")))
	j.Rotate()
	ensure(j.Append([]byte("def")))
	ensure(j.Close())

	name := j.FileNames()[0]
	data := j.Data(name)
	data[128+2] ^= 0xFF
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data, 0o644))

	j.Reopen()
	err := j.Replay(func(ts time.Time, data []byte) error { return nil })
	if !errors.Is(err, journal.ErrCorrupted) {
		t.Fatalf("Replay err = %v, wanted ErrCorrupted", err)
	}
	if !journal.IsCorrupted(err) {
		t.Errorf("IsCorrupted(%v) = false", err)
	}
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Open(t, journal.Options{MaxFileSize: 150})
	rec := []byte(strings.Repeat("r", 20))
	for range 3 {
		ensure(j.Append(rec))
	}
	deepEq(t, j.FileNames(), []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000002.wal",
		"j000000000003-20240101T000000-0000000000000003.wal",
	})
	deepEq(t, j.Segments(), j.FileNames())

	j.Reopen()
	deepEq(t, len(j.ReplayAll()), 3)
}

func TestJournal_replayError(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Append([]byte("a")))
	j.Reopen()

	stop := errors.New("stop")
	err := j.Replay(func(ts time.Time, data []byte) error { return stop })
	if err != stop {
		t.Fatalf("Replay err = %v, wanted %v", err, stop)
	}
}

func TestJournal_appendAfterClose(t *testing.T) {
	j := journaltest.Open(t, journal.Options{})
	ensure(j.Close())
	err := j.Append([]byte("late"))
	if err != journal.ErrClosed {
		t.Fatalf("Append err = %v, wanted ErrClosed", err)
	}
}

func shdr(inside string) string {
	return magic + " " + header1 + " " + inside + " " + header2
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
