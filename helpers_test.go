package kvdict

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func setupMem(t testing.TB) *MemEngine {
	t.Helper()
	eng := NewMemEngine()
	t.Cleanup(func() { eng.Close() })
	return eng
}

func setupBolt(t testing.TB) *BoltEngine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvdict_test.db")
	t.Logf("DB: %s", path)
	eng := must(OpenBolt(path, BoltOptions{IsTesting: true}))
	t.Cleanup(func() { eng.Close() })
	return eng
}

func setupSQLite(t testing.TB) *SQLiteEngine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvdict_test.sqlite")
	t.Logf("DB: %s", path)
	eng := must(OpenSQLite(path, SQLiteOptions{}))
	t.Cleanup(func() { eng.Close() })
	return eng
}

// write runs fn in a read-write operation and commits it.
func write(t testing.TB, eng Engine, fn func(op *Op)) {
	t.Helper()
	op := NewOp(context.Background(), eng, false)
	committed := false
	defer func() {
		if !committed {
			op.Abort()
		}
	}()
	fn(op)
	ok(t, op.Commit())
	committed = true
}

// read runs fn in a read-only operation.
func read(t testing.TB, eng Engine, fn func(op *Op)) {
	t.Helper()
	op := NewOp(context.Background(), eng, true)
	defer op.Abort()
	fn(op)
}

func rawDict(t testing.TB, eng Engine, ident string) Dictionary {
	t.Helper()
	var d Dictionary
	write(t, eng, func(op *Op) {
		ok(t, eng.CreateDictionary(op, ident, RawBytesComparator()))
		d = must(eng.OpenDictionary(op, ident, RawBytesComparator()))
	})
	return d
}

func must2[A, B any](a A, b B, err error) (A, B) {
	ensure(err)
	return a, b
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func wantErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func keysOf(t testing.TB, op *Op, d Dictionary, dir Direction) []string {
	t.Helper()
	var out []string
	c := d.Cursor(op, dir)
	defer c.Close()
	for ; c.OK(); c.Advance() {
		out = append(out, hex.EncodeToString(c.CurrKey().Bytes()))
	}
	ok(t, c.Err())
	return out
}
