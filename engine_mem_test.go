package kvdict

import (
	"context"
	"testing"
)

func TestMemEngine_JournalReplay(t *testing.T) {
	dir := t.TempDir()
	eng := must(OpenMem(MemOptions{JournalDir: dir, JournalSync: true}))

	var rs *RecordStore
	var ix *SortedIndex
	write(t, eng, func(op *Op) {
		ix = must(CreateSortedIndex(op, eng, "ix", IndexDescriptor{Unique: true}))
		rs = must(CreateRecordStore(op, eng, "coll", nil))
		for _, s := range []string{"a", "b", "c"} {
			id := must(rs.InsertRecord(op, []byte(s)))
			ok(t, ix.Insert(op, K(s), id, false))
		}
	})
	write(t, eng, func(op *Op) {
		ok(t, rs.DeleteRecord(op, 2))
		ok(t, ix.Unindex(op, K("b"), 2, false))
	})

	// aborted work never reaches the journal
	op := NewOp(context.Background(), eng, false)
	must(rs.InsertRecord(op, []byte("lost")))
	ok(t, op.Abort())

	write(t, eng, func(op *Op) {
		ok(t, eng.CreateDictionary(op, "tmp", RawBytesComparator()))
		ok(t, eng.DropDictionary(op, "tmp"))
	})
	ok(t, eng.Close())

	eng = must(OpenMem(MemOptions{JournalDir: dir}))
	defer eng.Close()
	read(t, eng, func(op *Op) {
		var idents []string
		for _, ce := range must(eng.ListDictionaries(op)) {
			idents = append(idents, ce.Ident)
		}
		deepEqual(t, idents, []string{"coll", "ix"})

		ix := must(NewSortedIndex(must(eng.OpenDictionary(op, "ix", IndexDescriptor{Unique: true}.Comparator())), IndexDescriptor{Unique: true}))
		deepEqual(t, entries(t, op, ix, Forward), []string{`{ : "a" } 1`, `{ : "c" } 3`})

		rs := must(NewRecordStore(op, must(eng.OpenDictionary(op, "coll", RawBytesComparator())), nil))
		deepEqual(t, recordIDs(t, op, rs, Forward), []RecordID{1, 3})
		deepEqual(t, string(must(rs.DataFor(op, 3)).Bytes()), "c")
	})
}

func TestMemEngine_WriteConflict(t *testing.T) {
	eng := setupMem(t)
	d := rawDict(t, eng, "d")

	op1 := NewOp(context.Background(), eng, false)
	op2 := NewOp(context.Background(), eng, false)
	defer op2.Abort()

	ok(t, d.Insert(op1, StringSlice("k"), StringSlice("1"), true))
	wantErr(t, d.Insert(op2, StringSlice("k"), StringSlice("2"), true), ErrWriteConflict)
	wantErr(t, d.Remove(op2, StringSlice("k")), ErrWriteConflict)
	ok(t, d.Insert(op2, StringSlice("other"), StringSlice("2"), true))

	// uncommitted writes are visible
	deepEqual(t, string(must(d.Get(op2, StringSlice("k"))).Bytes()), "1")

	ok(t, op1.Commit())
	ok(t, d.Insert(op2, StringSlice("k"), StringSlice("2"), true))
	ok(t, op2.Commit())

	read(t, eng, func(op *Op) {
		deepEqual(t, string(must(d.Get(op, StringSlice("k"))).Bytes()), "2")
	})
}

func TestMemEngine_Interrupted(t *testing.T) {
	eng := setupMem(t)
	d := rawDict(t, eng, "d")
	write(t, eng, func(op *Op) {
		ok(t, d.Insert(op, StringSlice("a"), StringSlice("1"), false))
		ok(t, d.Insert(op, StringSlice("b"), StringSlice("2"), false))
	})

	ctx, cancel := context.WithCancel(context.Background())
	op := NewOp(ctx, eng, true)
	defer op.Abort()
	c := d.Cursor(op, Forward)
	defer c.Close()
	deepEqual(t, c.OK(), true)
	cancel()
	c.Advance()
	deepEqual(t, c.OK(), false)
	wantErr(t, c.Err(), context.Canceled)

	_, err := d.Get(op, StringSlice("a"))
	wantErr(t, err, context.Canceled)
}

func TestMemEngine_CustomStats(t *testing.T) {
	eng := setupMem(t)
	d := rawDict(t, eng, "d")
	write(t, eng, func(op *Op) {
		ok(t, d.Insert(op, StringSlice("a"), StringSlice("1234"), false))
	})
	read(t, eng, func(op *Op) {
		stats := must(d.CustomStats(op))
		deepEqual(t, stats["engine"], any("memory"))
		deepEqual(t, stats["writes"], any(int64(1)))
		deepEqual(t, must(d.Stats(op)), Stats{DataSize: 5, StorageSize: 5 + memItemOverhead, NumKeys: 1})
	})
}

func TestMemEngine_CatalogFollowsRecoveryUnit(t *testing.T) {
	dir := t.TempDir()
	eng := must(OpenMem(MemOptions{JournalDir: dir}))
	kept := rawDict(t, eng, "kept")
	write(t, eng, func(op *Op) {
		ok(t, kept.Insert(op, StringSlice("k"), StringSlice("v"), false))
	})

	op := NewOp(context.Background(), eng, false)
	ok(t, eng.CreateDictionary(op, "pending", RawBytesComparator()))
	d := must(eng.OpenDictionary(op, "pending", RawBytesComparator()))
	ok(t, d.Insert(op, StringSlice("a"), StringSlice("1"), false))
	ok(t, eng.DropDictionary(op, "kept"))

	other := NewOp(context.Background(), eng, true)
	_, err := eng.OpenDictionary(other, "pending", RawBytesComparator())
	wantErr(t, err, ErrWriteConflict)
	ok(t, other.Abort())

	ok(t, op.Abort())

	read(t, eng, func(op *Op) {
		var idents []string
		for _, ce := range must(eng.ListDictionaries(op)) {
			idents = append(idents, ce.Ident)
		}
		deepEqual(t, idents, []string{"kept"})
		deepEqual(t, string(must(kept.Get(op, StringSlice("k"))).Bytes()), "v")
	})
	ok(t, eng.Close())

	eng = must(OpenMem(MemOptions{JournalDir: dir}))
	defer eng.Close()
	read(t, eng, func(op *Op) {
		_, err := eng.LookupDictionary(op, "pending")
		wantErr(t, err, ErrNotFound)
		d := must(eng.OpenDictionary(op, "kept", RawBytesComparator()))
		deepEqual(t, string(must(d.Get(op, StringSlice("k"))).Bytes()), "v")
	})
}

func TestMemEngine_ReadOnly(t *testing.T) {
	eng := must(OpenMem(MemOptions{ReadOnly: true}))
	defer eng.Close()
	op := NewOp(context.Background(), eng, false)
	defer op.Abort()
	deepEqual(t, op.RecoveryUnit().ReadOnly(), true)
	wantErr(t, eng.CreateDictionary(op, "d", RawBytesComparator()), ErrReadOnly)
}
