// Package kvdicttest is a conformance suite for kvdict engines.
//
// Every engine must pass RunDictionaryTests. The suite only ever has one
// recovery unit open at a time, so it also runs against engines that
// serialize writers or share a single connection.
package kvdicttest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/andreyvit/kvdict"
)

// EngineFactory creates a new empty engine. The suite closes it.
type EngineFactory func(t testing.TB) kvdict.Engine

// RunDictionaryTests runs the conformance suite against engines made by
// factory.
func RunDictionaryTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Catalog", func(t *testing.T) {
			testCatalog(t, factory(t))
		})
		t.Run("GetInsertRemove", func(t *testing.T) {
			testGetInsertRemove(t, factory(t))
		})
		t.Run("EmptyValue", func(t *testing.T) {
			testEmptyValue(t, factory(t))
		})
		t.Run("CommitAbort", func(t *testing.T) {
			testCommitAbort(t, factory(t))
		})
		t.Run("ReadOnly", func(t *testing.T) {
			testReadOnly(t, factory(t))
		})
		t.Run("CursorOrder", func(t *testing.T) {
			testCursorOrder(t, factory(t))
		})
		t.Run("CursorSeek", func(t *testing.T) {
			testCursorSeek(t, factory(t))
		})
		t.Run("StructuredOrder", func(t *testing.T) {
			testStructuredOrder(t, factory(t))
		})
		t.Run("Update", func(t *testing.T) {
			testUpdate(t, factory(t))
		})
		t.Run("CustomOptions", func(t *testing.T) {
			testCustomOptions(t, factory(t))
		})
		t.Run("Stats", func(t *testing.T) {
			testStats(t, factory(t))
		})
		t.Run("Drop", func(t *testing.T) {
			testDrop(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// Run runs fn in its own committed operation and fails the test on error.
func Run(t testing.TB, eng kvdict.Engine, readOnly bool, fn func(op *kvdict.Op)) {
	t.Helper()
	op := kvdict.NewOp(context.Background(), eng, readOnly)
	ok := false
	defer func() {
		if !ok {
			_ = op.Abort()
		}
	}()
	fn(op)
	if err := op.Commit(); err != nil {
		t.Fatalf("** commit: %v", err)
	}
	ok = true
}

// Create creates and opens a dictionary in its own operation.
func Create(t testing.TB, eng kvdict.Engine, ident string, cmp kvdict.Comparator) kvdict.Dictionary {
	t.Helper()
	var d kvdict.Dictionary
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, eng.CreateDictionary(op, ident, cmp))
		d = must[kvdict.Dictionary](t)(eng.OpenDictionary(op, ident, cmp))
	})
	return d
}

// Keys lists the keys of d in dir.
func Keys(t testing.TB, op *kvdict.Op, d kvdict.Dictionary, dir kvdict.Direction) []string {
	t.Helper()
	var keys []string
	c := d.Cursor(op, dir)
	defer c.Close()
	for ; c.OK(); c.Advance() {
		keys = append(keys, string(c.CurrKey().Bytes()))
	}
	ensure(t, c.Err())
	return keys
}

func ensure(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("** %v", err)
	}
}

func must[T any](t testing.TB) func(v T, err error) T {
	return func(v T, err error) T {
		t.Helper()
		if err != nil {
			t.Fatalf("** %v", err)
		}
		return v
	}
}

func s(v string) kvdict.Slice { return kvdict.StringSlice(v) }

func get(t testing.TB, op *kvdict.Op, d kvdict.Dictionary, key string) (string, bool) {
	t.Helper()
	v, err := d.Get(op, s(key))
	if errors.Is(err, kvdict.ErrNotFound) {
		return "", false
	}
	ensure(t, err)
	return string(v.Bytes()), true
}

func closeEngine(t testing.TB, eng kvdict.Engine) {
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("** close: %v", err)
		}
	})
}

func eqStrings(t testing.TB, what string, a, e []string) {
	t.Helper()
	if fmt.Sprint(a) != fmt.Sprint(e) {
		t.Errorf("%s = %q, wanted %q", what, a, e)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func testCatalog(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	structured := kvdict.StructuredComparator(kvdict.MakeOrdering(false, true), true)
	Create(t, eng, "b", structured)
	Create(t, eng, "a", kvdict.RawBytesComparator())

	Run(t, eng, false, func(op *kvdict.Op) {
		// creating again with the same comparator is a no-op
		ensure(t, eng.CreateDictionary(op, "b", structured))

		err := eng.CreateDictionary(op, "b", kvdict.RawBytesComparator())
		if !errors.Is(err, kvdict.ErrBadValue) {
			t.Errorf("CreateDictionary with another comparator = %v, wanted ErrBadValue", err)
		}
	})

	Run(t, eng, true, func(op *kvdict.Op) {
		entries := must[[]kvdict.CatalogEntry](t)(eng.ListDictionaries(op))
		var idents []string
		for _, ce := range entries {
			idents = append(idents, ce.Ident)
		}
		eqStrings(t, "idents", idents, []string{"a", "b"})

		ce := must[kvdict.CatalogEntry](t)(eng.LookupDictionary(op, "b"))
		if !bytes.Equal(ce.Comparator, structured.Serialize()) {
			t.Errorf("stored comparator = %x, wanted %x", ce.Comparator, structured.Serialize())
		}
		cmp := must[kvdict.Comparator](t)(ce.Cmp())
		if cmp != structured {
			t.Errorf("Cmp() = %v, wanted %v", cmp, structured)
		}
		if ce.Created.IsZero() {
			t.Errorf("Created is zero")
		}

		_, err := eng.OpenDictionary(op, "b", kvdict.StructuredComparator(kvdict.MakeOrdering(false, true), false))
		if !errors.Is(err, kvdict.ErrBadValue) {
			t.Errorf("OpenDictionary with another comparator = %v, wanted ErrBadValue", err)
		}
		_, err = eng.OpenDictionary(op, "zzz", kvdict.RawBytesComparator())
		if !errors.Is(err, kvdict.ErrNotFound) {
			t.Errorf("OpenDictionary of missing = %v, wanted ErrNotFound", err)
		}
		_, err = eng.LookupDictionary(op, "zzz")
		if !errors.Is(err, kvdict.ErrNotFound) {
			t.Errorf("LookupDictionary of missing = %v, wanted ErrNotFound", err)
		}
	})
}

func testGetInsertRemove(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())

	Run(t, eng, false, func(op *kvdict.Op) {
		if _, found := get(t, op, d, "foo"); found {
			t.Fatalf("found foo in an empty dictionary")
		}
		ensure(t, d.Insert(op, s("foo"), s("1"), true))
		if v, _ := get(t, op, d, "foo"); v != "1" {
			t.Errorf("foo = %q, wanted 1", v)
		}

		err := d.Insert(op, s("foo"), s("2"), false)
		if !errors.Is(err, kvdict.ErrDuplicateKey) {
			t.Errorf("Insert without overwrite = %v, wanted ErrDuplicateKey", err)
		}
		if v, _ := get(t, op, d, "foo"); v != "1" {
			t.Errorf("foo after failed insert = %q, wanted 1", v)
		}

		ensure(t, d.Insert(op, s("foo"), s("3"), true))
		ensure(t, d.Insert(op, s("bar"), s("4"), false))
		if v, _ := get(t, op, d, "foo"); v != "3" {
			t.Errorf("foo after overwrite = %q, wanted 3", v)
		}

		ensure(t, d.Remove(op, s("foo")))
		ensure(t, d.Remove(op, s("foo")))
		ensure(t, d.Remove(op, s("never")))
		if _, found := get(t, op, d, "foo"); found {
			t.Errorf("found foo after Remove")
		}
	})

	Run(t, eng, true, func(op *kvdict.Op) {
		eqStrings(t, "keys", Keys(t, op, d, kvdict.Forward), []string{"bar"})
	})
}

func testEmptyValue(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, d.Insert(op, s("k"), kvdict.Slice{}, true))
	})
	Run(t, eng, true, func(op *kvdict.Op) {
		v, found := get(t, op, d, "k")
		if !found || v != "" {
			t.Errorf("k = %q, %v, wanted empty and found", v, found)
		}
	})
}

func testCommitAbort(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, d.Insert(op, s("a"), s("1"), true))
		ensure(t, d.Insert(op, s("b"), s("2"), true))
	})

	op := kvdict.NewOp(context.Background(), eng, false)
	ensure(t, d.Insert(op, s("a"), s("changed"), true))
	ensure(t, d.Remove(op, s("b")))
	ensure(t, d.Insert(op, s("c"), s("3"), true))
	ensure(t, op.Abort())

	Run(t, eng, true, func(op *kvdict.Op) {
		eqStrings(t, "keys after abort", Keys(t, op, d, kvdict.Forward), []string{"a", "b"})
		if v, _ := get(t, op, d, "a"); v != "1" {
			t.Errorf("a after abort = %q, wanted 1", v)
		}
	})

	// a recovery unit can be reused after abort
	ensure(t, d.Insert(op, s("c"), s("3"), true))
	ensure(t, op.Commit())

	Run(t, eng, true, func(op *kvdict.Op) {
		eqStrings(t, "keys after commit", Keys(t, op, d, kvdict.Forward), []string{"a", "b", "c"})
	})
}

func testReadOnly(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, true, func(op *kvdict.Op) {
		err := d.Insert(op, s("a"), s("1"), true)
		if !errors.Is(err, kvdict.ErrReadOnly) {
			t.Errorf("Insert in read-only unit = %v, wanted ErrReadOnly", err)
		}
		err = eng.CreateDictionary(op, "other", kvdict.RawBytesComparator())
		if !errors.Is(err, kvdict.ErrReadOnly) {
			t.Errorf("CreateDictionary in read-only unit = %v, wanted ErrReadOnly", err)
		}
	})
}

func fill(t testing.TB, eng kvdict.Engine, d kvdict.Dictionary, keys ...string) {
	t.Helper()
	Run(t, eng, false, func(op *kvdict.Op) {
		for _, k := range keys {
			ensure(t, d.Insert(op, s(k), s("v"+k), true))
		}
	})
}

func testCursorOrder(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	fill(t, eng, d, "b", "a\xff", "a", "ab", "\x00", "c")

	Run(t, eng, true, func(op *kvdict.Op) {
		eqStrings(t, "forward", Keys(t, op, d, kvdict.Forward), []string{"\x00", "a", "ab", "a\xff", "b", "c"})
		eqStrings(t, "backward", Keys(t, op, d, kvdict.Backward), []string{"c", "b", "a\xff", "ab", "a", "\x00"})

		c := d.Cursor(op, kvdict.Forward)
		defer c.Close()
		if c.Direction() != kvdict.Forward {
			t.Errorf("Direction() = %v", c.Direction())
		}
		if v := string(c.CurrVal().Bytes()); v != "v\x00" {
			t.Errorf("CurrVal() = %q, wanted v\\x00", v)
		}
	})

	empty := Create(t, eng, "empty", kvdict.RawBytesComparator())
	Run(t, eng, true, func(op *kvdict.Op) {
		for _, dir := range []kvdict.Direction{kvdict.Forward, kvdict.Backward} {
			c := empty.Cursor(op, dir)
			if c.OK() {
				t.Errorf("%v cursor on empty dictionary is positioned", dir)
			}
			ensure(t, c.Err())
			c.Close()
		}
	})
}

func testCursorSeek(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	fill(t, eng, d, "b", "d", "f")

	tests := []struct {
		dir  kvdict.Direction
		seek string
		e    string
	}{
		{kvdict.Forward, "a", "b"},
		{kvdict.Forward, "b", "b"},
		{kvdict.Forward, "c", "d"},
		{kvdict.Forward, "f", "f"},
		{kvdict.Forward, "g", ""},
		{kvdict.Backward, "a", ""},
		{kvdict.Backward, "b", "b"},
		{kvdict.Backward, "c", "b"},
		{kvdict.Backward, "e", "d"},
		{kvdict.Backward, "z", "f"},
	}
	Run(t, eng, true, func(op *kvdict.Op) {
		for _, tt := range tests {
			c := d.CursorAt(op, s(tt.seek), tt.dir)
			var a string
			if c.OK() {
				a = string(c.CurrKey().Bytes())
			}
			if a != tt.e {
				t.Errorf("%v CursorAt(%q) = %q, wanted %q", tt.dir, tt.seek, a, tt.e)
			}
			c.Close()
		}

		// Seek repositions an existing cursor, including an exhausted one.
		c := d.Cursor(op, kvdict.Forward)
		defer c.Close()
		for c.OK() {
			c.Advance()
		}
		c.Seek(s("c"))
		if !c.OK() || string(c.CurrKey().Bytes()) != "d" {
			t.Errorf("Seek(c) after exhaustion did not land on d")
		}
		c.Advance()
		c.Advance()
		if c.OK() {
			t.Errorf("cursor positioned past the last key")
		}
	})
}

func testStructuredOrder(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	ord := kvdict.MakeOrdering(false, true)
	cmp := kvdict.StructuredComparator(ord, false)
	d := Create(t, eng, "ix", cmp)

	entries := []struct {
		key kvdict.Key
		loc kvdict.RecordID
	}{
		{kvdict.K(2, "a"), 1},
		{kvdict.K(1, "b"), 2},
		{kvdict.K(1, "a"), 3},
		{kvdict.K(1, "a"), 1},
		{kvdict.K(-5, "zz"), 9},
		{kvdict.K(1.5, ""), 4},
		{kvdict.K(nil, "x"), 7},
	}
	var encoded [][]byte
	Run(t, eng, false, func(op *kvdict.Op) {
		for _, e := range entries {
			k := must[[]byte](t)(kvdict.EncodeEntry(e.key, e.loc, ord))
			encoded = append(encoded, k)
			ensure(t, d.Insert(op, kvdict.MakeSlice(k), kvdict.Slice{}, true))
		}
	})

	want := []string{
		"{ : null, : \"x\" } RecordId(7)",
		"{ : -5, : \"zz\" } RecordId(9)",
		"{ : 1, : \"b\" } RecordId(2)",
		"{ : 1, : \"a\" } RecordId(1)",
		"{ : 1, : \"a\" } RecordId(3)",
		"{ : 1.5, : \"\" } RecordId(4)",
		"{ : 2, : \"a\" } RecordId(1)",
	}
	Run(t, eng, true, func(op *kvdict.Op) {
		var a []string
		var prev []byte
		c := d.Cursor(op, kvdict.Forward)
		defer c.Close()
		for ; c.OK(); c.Advance() {
			k := bytes.Clone(c.CurrKey().Bytes())
			if prev != nil && cmp.Compare(prev, k) >= 0 {
				t.Errorf("cursor not monotonic: %x then %x", prev, k)
			}
			prev = k
			key, loc, hasLoc, err := kvdict.DecodeKeyString(k, ord)
			ensure(t, err)
			if !hasLoc {
				t.Errorf("entry %x has no location", k)
			}
			a = append(a, fmt.Sprintf("%v %v", key, loc))
		}
		ensure(t, c.Err())
		eqStrings(t, "entries", a, want)
	})
}

func testUpdate(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, d.UpdateCurrent(op, s("n"), kvdict.IncrementMessage{Delta: 5}))
		ensure(t, d.UpdateCurrent(op, s("n"), kvdict.IncrementMessage{Delta: -2}))
		ensure(t, d.Insert(op, s("doc"), s("hello world"), true))
	})
	Run(t, eng, false, func(op *kvdict.Op) {
		old := must[kvdict.Slice](t)(d.Get(op, s("doc"))).Owned()
		msg := kvdict.DamagesMessage{
			Source:  []byte("WORLD"),
			Damages: []kvdict.Damage{{SourceOffset: 0, TargetOffset: 6, Size: 5}},
		}
		ensure(t, d.Update(op, s("doc"), old, msg))

		bad := kvdict.DamagesMessage{Source: []byte("x"), Damages: []kvdict.Damage{{SourceOffset: 0, TargetOffset: 100, Size: 1}}}
		cur := must[kvdict.Slice](t)(d.Get(op, s("doc"))).Owned()
		if err := d.Update(op, s("doc"), cur, bad); !errors.Is(err, kvdict.ErrBadValue) {
			t.Errorf("out of range damage = %v, wanted ErrBadValue", err)
		}
	})
	Run(t, eng, true, func(op *kvdict.Op) {
		n := must[kvdict.Slice](t)(d.Get(op, s("n")))
		if want := []byte{3, 0, 0, 0, 0, 0, 0, 0}; !bytes.Equal(n.Bytes(), want) {
			t.Errorf("counter = %x, wanted %x", n.Bytes(), want)
		}
		if v, _ := get(t, op, d, "doc"); v != "hello WORLD" {
			t.Errorf("doc = %q, wanted hello WORLD", v)
		}
	})
}

func testCustomOptions(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, d.SetCustomOption(op, "usePowerOf2Sizes", true))
		err := d.SetCustomOption(op, "noSuchOption", 1)
		if !errors.Is(err, kvdict.ErrBadValue) {
			t.Errorf("unknown option = %v, wanted ErrBadValue", err)
		}
		ensure(t, d.Compact(op))
	})
}

func testStats(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	fill(t, eng, d, "a", "b", "c")
	Run(t, eng, true, func(op *kvdict.Op) {
		st := must[kvdict.Stats](t)(d.Stats(op))
		if st.NumKeys != 3 {
			t.Errorf("NumKeys = %d, wanted 3", st.NumKeys)
		}
		if st.DataSize <= 0 || st.StorageSize <= 0 {
			t.Errorf("stats = %+v, wanted positive sizes", st)
		}
		custom := must[map[string]any](t)(d.CustomStats(op))
		if custom["engine"] != eng.Name() {
			t.Errorf("custom engine = %v, wanted %v", custom["engine"], eng.Name())
		}
	})
}

func testDrop(t *testing.T, eng kvdict.Engine) {
	closeEngine(t, eng)
	d := Create(t, eng, "kv", kvdict.RawBytesComparator())
	fill(t, eng, d, "a")
	Run(t, eng, false, func(op *kvdict.Op) {
		ensure(t, eng.DropDictionary(op, "kv"))
		ensure(t, eng.DropDictionary(op, "kv"))
	})
	Run(t, eng, true, func(op *kvdict.Op) {
		_, err := eng.LookupDictionary(op, "kv")
		if !errors.Is(err, kvdict.ErrNotFound) {
			t.Errorf("LookupDictionary after drop = %v, wanted ErrNotFound", err)
		}
	})
	d = Create(t, eng, "kv", kvdict.RawBytesComparator())
	Run(t, eng, true, func(op *kvdict.Op) {
		eqStrings(t, "keys of recreated", Keys(t, op, d, kvdict.Forward), nil)
	})
}
