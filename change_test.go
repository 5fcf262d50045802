package kvdict

import (
	"errors"
	"testing"
)

func TestChangeOp_String(t *testing.T) {
	deepEqual(t, OpPut.String(), "put")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, ChangeOp(9).String(), "invalid op 9")
}

func TestJournalRecord_Commit(t *testing.T) {
	muts := []mutation{
		{OpPut, "coll", []byte{0, 0, 0, 0, 0, 0, 0, 1}, []byte("hello")},
		{OpPut, "ix", []byte("k"), []byte{}},
		{OpDelete, "coll", []byte{0, 0, 0, 0, 0, 0, 0, 2}, nil},
	}
	data := appendCommitRecord(nil, muts)
	rec := must(decodeJournalRecord(data))
	deepEqual(t, rec.kind, journalCommit)
	deepEqual(t, len(rec.muts), 3)
	for i, m := range rec.muts {
		e := muts[i]
		if m.op != e.op || m.dict != e.dict || string(m.key) != string(e.key) || string(m.value) != string(e.value) {
			t.Errorf("mutation %d = %v %s %x %x, wanted %v %s %x %x", i, m.op, m.dict, m.key, m.value, e.op, e.dict, e.key, e.value)
		}
	}

	rec = must(decodeJournalRecord(appendCommitRecord(nil, nil)))
	deepEqual(t, len(rec.muts), 0)
}

func TestJournalRecord_CreateDrop(t *testing.T) {
	ce := newCatalogEntry("ix", StructuredComparator(MakeOrdering(false, true), true))
	rec := must(decodeJournalRecord(appendCreateRecord(nil, ce)))
	deepEqual(t, rec.kind, journalCreate)
	deepEqual(t, rec.entry.Ident, "ix")
	deepEqual(t, rec.entry.Comparator, ce.Comparator)
	if !rec.entry.Created.Equal(ce.Created) {
		t.Errorf("Created = %v, wanted %v", rec.entry.Created, ce.Created)
	}
	deepEqual(t, must(rec.entry.Cmp()).String(), "structured{1, -1} unique")

	rec = must(decodeJournalRecord(appendDropRecord(nil, "ix")))
	deepEqual(t, rec.kind, journalDrop)
	deepEqual(t, rec.ident, "ix")
}

func TestJournalRecord_Corrupted(t *testing.T) {
	good := appendCommitRecord(nil, []mutation{{OpPut, "d", []byte("k"), []byte("v")}})
	for _, data := range [][]byte{
		nil,
		{9},
		good[:len(good)-1],
		append(append([]byte(nil), good...), 0),
		{journalCommit, 1, byte(OpNone), 1, 'd', 1, 'k'},
		{journalDrop},
	} {
		_, err := decodeJournalRecord(data)
		var de *DataError
		if !errors.As(err, &de) {
			t.Errorf("decodeJournalRecord(%x) = %v, wanted *DataError", data, err)
		}
	}
}
