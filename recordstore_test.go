package kvdict

import (
	"errors"
	"fmt"
	"testing"
)

func setupRecords(t testing.TB, eng Engine, ident string) (*RecordStore, Dictionary) {
	t.Helper()
	meta := rawDict(t, eng, "_meta")
	var rs *RecordStore
	write(t, eng, func(op *Op) {
		rs = must(CreateRecordStore(op, eng, ident, meta))
	})
	return rs, meta
}

func recordIDs(t testing.TB, op *Op, rs *RecordStore, dir Direction) []RecordID {
	t.Helper()
	var ids []RecordID
	it := rs.Iterator(op, NullRecordID, dir)
	defer it.Close()
	for !it.EOF() {
		ids = append(ids, it.Next())
	}
	ok(t, it.Err())
	return ids
}

func TestRecordStore_CRUD(t *testing.T) {
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")

	var a, b, c RecordID
	write(t, eng, func(op *Op) {
		a = must(rs.InsertRecord(op, []byte("hello")))
		b = must(rs.InsertRecord(op, []byte("world!")))
		c = must(rs.InsertRecord(op, nil))
	})
	deepEqual(t, []RecordID{a, b, c}, []RecordID{1, 2, 3})

	read(t, eng, func(op *Op) {
		v, found := must2(rs.FindRecord(op, b))
		deepEqual(t, found, true)
		deepEqual(t, string(v.Bytes()), "world!")

		v, found = must2(rs.FindRecord(op, c))
		deepEqual(t, found, true)
		deepEqual(t, v.Len(), 0)

		_, found = must2(rs.FindRecord(op, 42))
		deepEqual(t, found, false)
		_, err := rs.DataFor(op, 42)
		wantErr(t, err, ErrNotFound)

		deepEqual(t, must(rs.NumRecords(op)), int64(3))
		deepEqual(t, must(rs.DataSize(op)), int64(11))
		deepEqual(t, recordIDs(t, op, rs, Forward), []RecordID{1, 2, 3})
		deepEqual(t, recordIDs(t, op, rs, Backward), []RecordID{3, 2, 1})
	})

	write(t, eng, func(op *Op) {
		ok(t, rs.UpdateRecord(op, a, []byte("hi")))
		// updating an absent id creates it
		ok(t, rs.UpdateRecord(op, 10, []byte("ten")))
		ok(t, rs.DeleteRecord(op, b))
		wantErr(t, rs.DeleteRecord(op, b), ErrNotFound)
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, string(must(rs.DataFor(op, a)).Bytes()), "hi")
		deepEqual(t, recordIDs(t, op, rs, Forward), []RecordID{1, 3, 10})
		deepEqual(t, must(rs.NumRecords(op)), int64(3))
		deepEqual(t, must(rs.DataSize(op)), int64(5))
	})

	write(t, eng, func(op *Op) {
		deepEqual(t, must(rs.InsertRecord(op, []byte("x"))), RecordID(11))
	})
}

func TestRecordStore_AbortKeepsCounters(t *testing.T) {
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")
	write(t, eng, func(op *Op) {
		must(rs.InsertRecord(op, []byte("abc")))
	})

	op := NewOp(t.Context(), eng, false)
	must(rs.InsertRecord(op, []byte("defgh")))
	ok(t, rs.DeleteRecord(op, 1))
	ok(t, op.Abort())

	read(t, eng, func(op *Op) {
		deepEqual(t, must(rs.NumRecords(op)), int64(1))
		deepEqual(t, must(rs.DataSize(op)), int64(3))
		deepEqual(t, recordIDs(t, op, rs, Forward), []RecordID{1})
	})
}

func TestRecordStore_Reopen(t *testing.T) {
	eng := setupMem(t)
	rs, meta := setupRecords(t, eng, "coll")
	write(t, eng, func(op *Op) {
		for range 3 {
			must(rs.InsertRecord(op, []byte("r")))
		}
		ok(t, rs.DeleteRecord(op, 1))
	})

	write(t, eng, func(op *Op) {
		rs2 := must(CreateRecordStore(op, eng, "coll", meta))
		deepEqual(t, must(rs2.NumRecords(op)), int64(2))
		deepEqual(t, must(rs2.InsertRecord(op, []byte("r"))), RecordID(4))
	})

	// deleting the last record frees its id for a store opened afterwards
	write(t, eng, func(op *Op) {
		ok(t, rs.DeleteRecord(op, 4))
		ok(t, rs.DeleteRecord(op, 3))
	})
	write(t, eng, func(op *Op) {
		rs3 := must(CreateRecordStore(op, eng, "coll", meta))
		deepEqual(t, must(rs3.InsertRecord(op, []byte("r"))), RecordID(3))
	})
}

func TestRecordStore_NoMetadata(t *testing.T) {
	eng := setupMem(t)
	var rs *RecordStore
	write(t, eng, func(op *Op) {
		rs = must(CreateRecordStore(op, eng, "coll", nil))
		must(rs.InsertRecord(op, []byte("abcd")))
		must(rs.InsertRecord(op, []byte("ef")))
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, must(rs.NumRecords(op)), int64(2))
		// dictionary stats count the 8-byte keys too
		deepEqual(t, must(rs.DataSize(op)), int64(22))
	})
}

func TestRecordStore_NeedsRawDictionary(t *testing.T) {
	eng := setupMem(t)
	write(t, eng, func(op *Op) {
		ix := must(CreateSortedIndex(op, eng, "ix", IndexDescriptor{}))
		_, err := NewRecordStore(op, ix.Dictionary(), nil)
		wantErr(t, err, ErrBadValue)
	})
}

func TestRecordStore_Documents(t *testing.T) {
	type doc struct {
		Name string `msgpack:"name"`
		N    int    `msgpack:"n"`
	}
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")
	var id RecordID
	write(t, eng, func(op *Op) {
		id = must(rs.InsertDocument(op, &doc{Name: "foo", N: 42}))
	})
	read(t, eng, func(op *Op) {
		var d doc
		ok(t, rs.DecodeDocument(op, id, &d))
		deepEqual(t, d, doc{Name: "foo", N: 42})

		// map keys are sorted
		a := must(EncodeDocument(map[string]int{"b": 2, "a": 1}))
		b := must(EncodeDocument(map[string]int{"a": 1, "b": 2}))
		deepEqual(t, a, b)
	})

	write(t, eng, func(op *Op) {
		id = must(rs.InsertRecord(op, []byte{0xc1}))
	})
	read(t, eng, func(op *Op) {
		var d doc
		err := rs.DecodeDocument(op, id, &d)
		var de *DataError
		if !errors.As(err, &de) {
			t.Errorf("** DecodeDocument of garbage = %v, wanted *DataError", err)
		}
	})
}

func TestRecordStore_UpdateWithDamages(t *testing.T) {
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")
	var id RecordID
	write(t, eng, func(op *Op) {
		id = must(rs.InsertRecord(op, []byte("hello world")))
	})
	write(t, eng, func(op *Op) {
		old := must(rs.DataFor(op, id))
		ok(t, rs.UpdateWithDamages(op, id, old, []byte("HEW"), []Damage{
			{SourceOffset: 0, TargetOffset: 0, Size: 2},
			{SourceOffset: 2, TargetOffset: 6, Size: 1},
		}))
	})
	read(t, eng, func(op *Op) {
		deepEqual(t, string(must(rs.DataFor(op, id)).Bytes()), "HEllo World")
		deepEqual(t, must(rs.DataSize(op)), int64(11))
	})

	write(t, eng, func(op *Op) {
		old := must(rs.DataFor(op, id))
		err := rs.UpdateWithDamages(op, id, old, []byte("x"), []Damage{{SourceOffset: 0, TargetOffset: 20, Size: 1}})
		wantErr(t, err, ErrBadValue)
	})
}

func TestRecordStore_Truncate(t *testing.T) {
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")
	write(t, eng, func(op *Op) {
		for i := range 5 {
			must(rs.InsertRecord(op, fmt.Appendf(nil, "rec%d", i)))
		}
	})
	write(t, eng, func(op *Op) {
		ok(t, rs.Truncate(op))
	})
	read(t, eng, func(op *Op) {
		isempty(t, recordIDs(t, op, rs, Forward))
		deepEqual(t, must(rs.NumRecords(op)), int64(0))
		deepEqual(t, must(rs.DataSize(op)), int64(0))
	})
}

func TestRecordStore_IteratorSaveRestore(t *testing.T) {
	for _, dir := range []Direction{Forward, Backward} {
		t.Run(dir.String(), func(t *testing.T) {
			eng := setupMem(t)
			rs, _ := setupRecords(t, eng, "coll")
			write(t, eng, func(op *Op) {
				for i := range 5 {
					must(rs.InsertRecord(op, fmt.Appendf(nil, "rec%d", i+1)))
				}
			})

			var it *RecordIterator
			read(t, eng, func(op *Op) {
				it = rs.Iterator(op, 3, dir)
				deepEqual(t, it.Curr(), RecordID(3))
				id := it.Next()
				deepEqual(t, id, RecordID(3))
				deepEqual(t, string(must(it.DataFor(id)).Bytes()), "rec3")
				it.SaveState()
			})

			var next, after RecordID = 4, 5
			if dir == Backward {
				next, after = 2, 1
			}
			write(t, eng, func(op *Op) {
				ok(t, rs.DeleteRecord(op, 3))
				ok(t, rs.DeleteRecord(op, next))
			})

			read(t, eng, func(op *Op) {
				it.RestoreState(op)
				deepEqual(t, it.Curr(), after)
				deepEqual(t, string(must(it.DataFor(after)).Bytes()), fmt.Sprintf("rec%d", after))
				deepEqual(t, it.Next(), after)
				deepEqual(t, it.EOF(), true)
				deepEqual(t, it.Next(), NullRecordID)
				it.SaveState()
			})

			write(t, eng, func(op *Op) {
				must(rs.InsertRecord(op, []byte("rec6")))
			})
			read(t, eng, func(op *Op) {
				it.RestoreState(op)
				deepEqual(t, it.EOF(), true)
				ok(t, it.Err())
				it.Close()
			})
		})
	}
}

func TestRecordStore_Validate(t *testing.T) {
	eng := setupMem(t)
	rs, _ := setupRecords(t, eng, "coll")
	write(t, eng, func(op *Op) {
		must(rs.InsertDocument(op, map[string]any{"a": 1}))
		must(rs.InsertRecord(op, []byte{0xc1}))
		must(rs.InsertRecord(op, []byte{0xc1}))
	})
	read(t, eng, func(op *Op) {
		check := func(id RecordID, data Slice) error {
			var v map[string]any
			return DecodeDocument(data.Bytes(), &v)
		}
		res := must(rs.Validate(op, false, check))
		deepEqual(t, res.Valid, true)
		deepEqual(t, res.NumRecords, int64(3))

		res = must(rs.Validate(op, true, check))
		deepEqual(t, res.Valid, false)
		deepEqual(t, res.NumRecords, int64(3))
		deepEqual(t, res.Errors, []string{"invalid object detected (see logs)"})

		must(rs.Touch(op))
	})
}

func TestRecordStore_Engines(t *testing.T) {
	for _, eng := range []Engine{setupBolt(t), setupSQLite(t)} {
		t.Run(eng.Name(), func(t *testing.T) {
			rs, _ := setupRecords(t, eng, "coll")
			write(t, eng, func(op *Op) {
				must(rs.InsertRecord(op, []byte("one")))
				must(rs.InsertRecord(op, []byte("two")))
				must(rs.InsertRecord(op, []byte("three")))
				ok(t, rs.DeleteRecord(op, 2))
			})
			read(t, eng, func(op *Op) {
				deepEqual(t, recordIDs(t, op, rs, Backward), []RecordID{3, 1})
				deepEqual(t, must(rs.NumRecords(op)), int64(2))
				deepEqual(t, must(rs.DataSize(op)), int64(8))
			})
		})
	}
}
