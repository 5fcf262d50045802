package kvdict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func setupIndex(t testing.TB, eng Engine, name string, ord Ordering, unique bool) *SortedIndex {
	t.Helper()
	var ix *SortedIndex
	write(t, eng, func(op *Op) {
		ix = must(CreateSortedIndex(op, eng, name, IndexDescriptor{Ordering: ord, Unique: unique}))
	})
	return ix
}

// entries lists the index as "key loc" strings in dir.
func entries(t testing.TB, op *Op, ix *SortedIndex, dir Direction) []string {
	t.Helper()
	var out []string
	c := ix.NewCursor(op, dir)
	defer c.Close()
	for !c.EOF() {
		out = append(out, fmt.Sprintf("%v %d", c.Key(), c.RecordID()))
		ok(t, c.Advance())
	}
	ok(t, c.Err())
	return out
}

func TestSortedIndex_Unique(t *testing.T) {
	eng := setupMem(t)
	ix := setupIndex(t, eng, "email", 0, true)
	deepEqual(t, ix.Name(), "email")
	deepEqual(t, ix.Unique(), true)

	write(t, eng, func(op *Op) {
		ok(t, ix.Insert(op, K("a@x"), 1, false))

		err := ix.Insert(op, K("a@x"), 2, false)
		var dke *DuplicateKeyError
		if !errors.As(err, &dke) {
			t.Fatalf("** Insert of a duplicate = %v, wanted *DuplicateKeyError", err)
		}
		wantErr(t, err, ErrDuplicateKey)
		deepEqual(t, dke.Index, "email")
		deepEqual(t, dke.Key.String(), `{ : "a@x" }`)

		// with duplicates allowed, the location joins the set
		ok(t, ix.Insert(op, K("a@x"), 3, true))
		ok(t, ix.Insert(op, K("a@x"), 2, true))
		ok(t, ix.Insert(op, K("a@x"), 3, true))
		ok(t, ix.Insert(op, K("b@x"), 4, true))
	})

	read(t, eng, func(op *Op) {
		deepEqual(t, entries(t, op, ix, Forward), []string{`{ : "a@x" } 1`, `{ : "a@x" } 2`, `{ : "a@x" } 3`, `{ : "b@x" } 4`})
		deepEqual(t, entries(t, op, ix, Backward), []string{`{ : "b@x" } 4`, `{ : "a@x" } 3`, `{ : "a@x" } 2`, `{ : "a@x" } 1`})
		deepEqual(t, must(ix.NumEntries(op)), int64(2))
		deepEqual(t, must(ix.FullValidate(op, true)), int64(2))
	})

	write(t, eng, func(op *Op) {
		ok(t, ix.Unindex(op, K("a@x"), 2, false))
		ok(t, ix.Unindex(op, K("a@x"), 9, false))
		ok(t, ix.Unindex(op, K("zzz"), 1, false))
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, entries(t, op, ix, Forward), []string{`{ : "a@x" } 1`, `{ : "a@x" } 3`, `{ : "b@x" } 4`})
	})

	write(t, eng, func(op *Op) {
		ok(t, ix.Unindex(op, K("a@x"), 1, true))
		ok(t, ix.Unindex(op, K("a@x"), 3, true))
		ok(t, ix.Unindex(op, K("b@x"), 4, false))
	})
	read(t, eng, func(op *Op) {
		isempty(t, entries(t, op, ix, Forward))
		deepEqual(t, must(ix.IsEmpty(op)), true)
	})
}

func TestSortedIndex_NonUnique(t *testing.T) {
	eng := setupMem(t)
	ix := setupIndex(t, eng, "tags", MakeOrdering(true), false)

	write(t, eng, func(op *Op) {
		ok(t, ix.Insert(op, K("a"), 1, false))
		ok(t, ix.Insert(op, K("a"), 2, false))
		ok(t, ix.Insert(op, K("b"), 1, false))
		ok(t, ix.Insert(op, K("a"), 2, false))
	})
	read(t, eng, func(op *Op) {
		// descending key, ascending location
		deepEqual(t, entries(t, op, ix, Forward), []string{`{ : "b" } 1`, `{ : "a" } 1`, `{ : "a" } 2`})
		deepEqual(t, must(ix.NumEntries(op)), int64(3))
	})

	write(t, eng, func(op *Op) {
		ok(t, ix.Unindex(op, K("a"), 1, false))
		ok(t, ix.Unindex(op, K("c"), 1, false))
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, entries(t, op, ix, Forward), []string{`{ : "b" } 1`, `{ : "a" } 2`})
		deepEqual(t, must(ix.FullValidate(op, true)), int64(2))
	})
}

func TestSortedIndex_DupKeyCheck(t *testing.T) {
	for _, unique := range []bool{true, false} {
		t.Run(fmt.Sprintf("unique=%v", unique), func(t *testing.T) {
			eng := setupMem(t)
			ix := setupIndex(t, eng, "ix", 0, unique)
			write(t, eng, func(op *Op) {
				ok(t, ix.Insert(op, K("a"), 5, false))
			})
			read(t, eng, func(op *Op) {
				ok(t, ix.DupKeyCheck(op, K("a"), 5))
				ok(t, ix.DupKeyCheck(op, K("b"), 6))
				ok(t, ix.DupKeyCheck(op, K(""), 6))
				wantErr(t, ix.DupKeyCheck(op, K("a"), 6), ErrDuplicateKey)
			})
		})
	}
}

func TestSortedIndex_NumbersAcrossTypes(t *testing.T) {
	for name, eng := range map[string]Engine{"mem": setupMem(t), "bolt": setupBolt(t)} {
		t.Run(name, func(t *testing.T) {
			unique := setupIndex(t, eng, "u", 0, true)
			plain := setupIndex(t, eng, "p", 0, false)
			write(t, eng, func(op *Op) {
				ok(t, unique.Insert(op, K(1), 1, false))
				wantErr(t, unique.Insert(op, K(1.0), 2, false), ErrDuplicateKey)
				wantErr(t, unique.Insert(op, K(uint8(1)), 2, false), ErrDuplicateKey)

				for i, v := range []any{1, 5, 1.0, 2.5, int64(-3), float32(4.5)} {
					ok(t, plain.Insert(op, K(v), RecordID(i+1), false))
				}
			})
			read(t, eng, func(op *Op) {
				deepEqual(t, entries(t, op, plain, Forward), []string{
					"{ : -3 } 5", "{ : 1 } 1", "{ : 1 } 3", "{ : 2.5 } 4", "{ : 4.5 } 6", "{ : 5 } 2",
				})
				ok(t, unique.DupKeyCheck(op, K(1.0), 1))
				wantErr(t, unique.DupKeyCheck(op, K(1.0), 9), ErrDuplicateKey)
			})
		})
	}
}

func TestSortedIndex_KeyTooLong(t *testing.T) {
	eng := setupMem(t)
	ix := setupIndex(t, eng, "ix", 0, false)

	// tag + payload + 2-byte string terminator + key terminator
	fits := K(strings.Repeat("x", MaxIndexKeySize-5))
	tooLong := K(strings.Repeat("x", MaxIndexKeySize-4))

	write(t, eng, func(op *Op) {
		ok(t, ix.Insert(op, fits, 1, false))

		err := ix.Insert(op, tooLong, 2, false)
		var ktl *KeyTooLongError
		if !errors.As(err, &ktl) {
			t.Fatalf("** Insert of a long key = %v, wanted *KeyTooLongError", err)
		}
		wantErr(t, err, ErrKeyTooLong)
		deepEqual(t, ktl.Size, MaxIndexKeySize)

		b := ix.BulkBuilder(op, false)
		wantErr(t, b.AddKey(tooLong, 3), ErrKeyTooLong)
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, must(ix.NumEntries(op)), int64(1))
	})
}

func TestSortedIndex_WriteConflictIsDuplicateKey(t *testing.T) {
	eng := setupMem(t)
	unique := setupIndex(t, eng, "u", 0, true)
	nonUnique := setupIndex(t, eng, "n", 0, false)

	op1 := NewOp(context.Background(), eng, false)
	defer op1.Abort()
	op2 := NewOp(context.Background(), eng, false)
	defer op2.Abort()

	ok(t, unique.Insert(op1, K(1), 1, false))
	ok(t, unique.Insert(op1, K(2), 1, true))
	ok(t, nonUnique.Insert(op1, K(1), 1, false))

	err := unique.Insert(op2, K(1), 2, false)
	wantErr(t, err, ErrDuplicateKey)

	// with duplicates allowed, the conflict stays a conflict
	err = unique.Insert(op2, K(2), 2, true)
	wantErr(t, err, ErrWriteConflict)

	// non-unique entries of the same key are separate dictionary keys
	ok(t, nonUnique.Insert(op2, K(1), 2, false))
}

func TestSortedIndex_BulkBuilder(t *testing.T) {
	eng := setupMem(t)
	ix := setupIndex(t, eng, "ix", MakeOrdering(false, true), true)

	write(t, eng, func(op *Op) {
		b := ix.BulkBuilder(op, true)
		ok(t, b.AddKey(K(2, "a"), 7))
		ok(t, b.AddKey(K(1, "a"), 3))
		ok(t, b.AddKey(K(1, "b"), 1))
		ok(t, b.AddKey(K(1, "a"), 2))
		deepEqual(t, must(b.Commit()), 4)
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, entries(t, op, ix, Forward), []string{
			`{ : 1, : "b" } 1`,
			`{ : 1, : "a" } 2`,
			`{ : 1, : "a" } 3`,
			`{ : 2, : "a" } 7`,
		})
	})

	write(t, eng, func(op *Op) {
		b := ix.BulkBuilder(op, false)
		ok(t, b.AddKey(K(0, "z"), 10))
		ok(t, b.AddKey(K(1, "b"), 11))
		ok(t, b.AddKey(K(3, "z"), 12))
		n, err := b.Commit()
		wantErr(t, err, ErrDuplicateKey)
		deepEqual(t, n, 1)
	})
}

func TestSortedIndex_FullValidateCorrupted(t *testing.T) {
	eng := setupMem(t)
	ix := setupIndex(t, eng, "ix", 0, false)
	write(t, eng, func(op *Op) {
		ok(t, ix.Insert(op, K(1), 1, false))
		// a key without a location
		ks := must(EncodeKey(K(2), 0))
		ok(t, ix.Dictionary().Insert(op, MakeSlice(ks), Slice{}, true))
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, must(ix.FullValidate(op, false)), int64(2))
		_, err := ix.FullValidate(op, true)
		wantErr(t, err, ErrCorrupted)
	})
}

func TestSortedIndex_ComparatorMismatch(t *testing.T) {
	eng := setupMem(t)
	d := rawDict(t, eng, "raw")
	_, err := NewSortedIndex(d, IndexDescriptor{Unique: true})
	wantErr(t, err, ErrBadValue)

	write(t, eng, func(op *Op) {
		_, err := CreateSortedIndex(op, eng, "raw", IndexDescriptor{})
		wantErr(t, err, ErrBadValue)
	})
}

func TestSortedIndex_Engines(t *testing.T) {
	for _, eng := range []Engine{setupBolt(t), setupSQLite(t)} {
		t.Run(eng.Name(), func(t *testing.T) {
			ix := setupIndex(t, eng, "ix", MakeOrdering(false, true), true)
			write(t, eng, func(op *Op) {
				ok(t, ix.Insert(op, K(1, "a"), 1, true))
				ok(t, ix.Insert(op, K(1, "a"), 2, true))
				ok(t, ix.Insert(op, K(1, "b"), 3, false))
				wantErr(t, ix.Insert(op, K(1, "b"), 4, false), ErrDuplicateKey)
			})
			read(t, eng, func(op *Op) {
				deepEqual(t, entries(t, op, ix, Forward), []string{`{ : 1, : "b" } 3`, `{ : 1, : "a" } 1`, `{ : 1, : "a" } 2`})
				deepEqual(t, entries(t, op, ix, Backward), []string{`{ : 1, : "a" } 2`, `{ : 1, : "a" } 1`, `{ : 1, : "b" } 3`})
			})
		})
	}
}
