// Package journaltest wraps journal.Journal for tests: a temp directory, a
// manual clock, logging into t.Log and a tiny byte-layout notation.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/kvdict/journal"
)

// Start is the initial reading of the manual clock.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	opt   journal.Options
	clock time.Time
}

// Open creates a journal in t.TempDir(). Segment names default to "j*.wal",
// time only moves via Advance, and the journal is closed on test cleanup.
func Open(t testing.TB, o journal.Options) *TestJournal {
	tj := &TestJournal{T: t, Dir: t.TempDir(), clock: Start}
	if o.FileName == "" {
		o.FileName = "j*.wal"
	}
	o.Now = tj.Now
	o.Logger = slog.New(slog.NewTextHandler(tlog{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true
	tj.opt = o
	tj.open()
	t.Cleanup(func() {
		if err := tj.Close(); err != nil {
			t.Error(err)
		}
	})
	return tj
}

func (tj *TestJournal) open() {
	j, err := journal.Open(tj.Dir, tj.opt)
	if err != nil {
		tj.T.Fatalf("journal.Open(%s): %v", tj.Dir, err)
	}
	tj.Journal = j
}

func (tj *TestJournal) Reopen() {
	if err := tj.Close(); err != nil {
		tj.T.Fatalf("Close: %v", err)
	}
	tj.open()
}

// ReplayAll returns every replayed record as a string.
func (tj *TestJournal) ReplayAll() []string {
	var out []string
	err := tj.Replay(func(_ time.Time, data []byte) error {
		out = append(out, string(data))
		return nil
	})
	if err != nil {
		tj.T.Fatalf("Replay: %v", err)
	}
	return out
}

func (tj *TestJournal) Now() time.Time          { return tj.clock }
func (tj *TestJournal) Advance(d time.Duration) { tj.clock = tj.clock.Add(d) }

func (tj *TestJournal) path(name string) string { return filepath.Join(tj.Dir, name) }

// Data returns the raw content of a segment file, or nil if it is missing.
func (tj *TestJournal) Data(name string) []byte {
	data, err := os.ReadFile(tj.path(name))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		tj.T.Fatalf("read %s: %v", name, err)
	}
	return data
}

// Put overwrites a file with Expand(layout...).
func (tj *TestJournal) Put(name string, layout ...string) {
	if err := os.WriteFile(tj.path(name), Expand(layout...), 0o644); err != nil {
		tj.T.Fatalf("write %s: %v", name, err)
	}
}

// Eq compares a file against Expand(layout...).
func (tj *TestJournal) Eq(name string, layout ...string) {
	tj.T.Helper()
	BytesEq(tj.T, tj.Data(name), Expand(layout...))
}

func (tj *TestJournal) FileNames() []string {
	entries, err := os.ReadDir(tj.Dir)
	if err != nil {
		tj.T.Fatalf("list %s: %v", tj.Dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names
}

type tlog struct{ t testing.TB }

func (w tlog) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// Expand turns a whitespace-separated byte layout into bytes. Each item is
// one of:
//
//	ab_01_2     hex bytes, '_' separates bytes, a lone digit is a byte
//	#300        uvarint
//	'text       literal text up to the next space
//
// An item may carry a "/comment" suffix and a "*N" repeat count. Writing
// "L..R" pads L with zeros before R up to 4 bytes, "L...R" up to 8 bytes.
func Expand(layout ...string) []byte {
	var out []byte
	for _, line := range layout {
		for _, item := range strings.Fields(line) {
			var err error
			out, err = expandItem(out, item)
			if err != nil {
				panic(fmt.Sprintf("journaltest: bad item %q: %v", item, err))
			}
		}
	}
	return out
}

func expandItem(out []byte, item string) ([]byte, error) {
	item, _, _ = strings.Cut(item, "/")
	if item == "" {
		return out, nil
	}
	count := 1
	if body, n, ok := strings.Cut(item, "*"); ok {
		var err error
		if count, err = strconv.Atoi(n); err != nil {
			return nil, err
		}
		item = body
	}

	width := 0
	left, right := item, ""
	if l, r, ok := strings.Cut(item, "..."); ok {
		left, right, width = l, r, 8
	} else if l, r, ok := strings.Cut(item, ".."); ok {
		left, right, width = l, r, 4
	}
	lb, err := expandAtom(left)
	if err != nil {
		return nil, err
	}
	rb, err := expandAtom(right)
	if err != nil {
		return nil, err
	}
	pad := max(0, width-len(lb)-len(rb))

	for range count {
		out = append(out, lb...)
		out = append(out, make([]byte, pad)...)
		out = append(out, rb...)
	}
	return out, nil
}

func expandAtom(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	switch s[0] {
	case '#':
		v, err := strconv.ParseUint(s[1:], 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(nil, v), nil
	case '\'':
		return []byte(s[1:]), nil
	}
	var out []byte
	for _, group := range strings.Split(s, "_") {
		if len(group)%2 == 1 {
			group = "0" + group
		}
		b, err := hex.DecodeString(group)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// HexDump renders b in rows of 16 bytes. The byte at mark (if mark >= 0) is
// prefixed with '>'.
func HexDump(b []byte, mark int) string {
	var sb strings.Builder
	for row := 0; row == 0 || row < len(b); row += 16 {
		end := min(row+16, len(b))
		fmt.Fprintf(&sb, "%06x ", row)
		for i := row; i < row+16; i++ {
			switch {
			case i >= end:
				sb.WriteString("   ")
			case i == mark:
				fmt.Fprintf(&sb, ">%02x", b[i])
			default:
				fmt.Fprintf(&sb, " %02x", b[i])
			}
		}
		sb.WriteString("  ")
		for _, c := range b[row:end] {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			sb.WriteByte(c)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BytesEq reports a hex dump of both sides when a != e.
func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	diff := min(len(a), len(e))
	for i := range diff {
		if a[i] != e[i] {
			diff = i
			break
		}
	}
	t.Helper()
	t.Errorf("** bytes differ at %d (0x%x), len %d vs %d\ngot:\n%swanted:\n%s", diff, diff, len(a), len(e), HexDump(a, diff), HexDump(e, diff))
	return false
}
