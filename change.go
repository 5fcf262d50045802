package kvdict

import (
	"fmt"
)

// ChangeOp is the kind of a single dictionary mutation.
type ChangeOp uint8

const (
	OpNone   ChangeOp = 0
	OpPut    ChangeOp = 1
	OpDelete ChangeOp = 2
)

func (v ChangeOp) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// mutation is the redo record of one write, journaled on commit.
type mutation struct {
	op    ChangeOp
	dict  string
	key   []byte
	value []byte
}

// journal record kinds
const (
	journalCommit byte = 1
	journalCreate byte = 2
	journalDrop   byte = 3
)

func appendCommitRecord(buf []byte, muts []mutation) []byte {
	buf = append(buf, journalCommit)
	buf = appendUvarint(buf, uint64(len(muts)))
	for _, m := range muts {
		buf = append(buf, byte(m.op))
		buf = appendVarstring(buf, m.dict)
		buf = appendVarbytes(buf, m.key)
		if m.op == OpPut {
			buf = appendVarbytes(buf, m.value)
		}
	}
	return buf
}

func appendCreateRecord(buf []byte, ce CatalogEntry) []byte {
	buf = append(buf, journalCreate)
	buf = appendVarstring(buf, ce.Ident)
	buf = appendVarbytes(buf, ce.encode())
	return buf
}

func appendDropRecord(buf []byte, ident string) []byte {
	buf = append(buf, journalDrop)
	buf = appendVarstring(buf, ident)
	return buf
}

// journalRecord is a decoded journal record; only the fields of its kind are
// set.
type journalRecord struct {
	kind  byte
	muts  []mutation
	entry CatalogEntry
	ident string
}

func decodeJournalRecord(data []byte) (journalRecord, error) {
	var rec journalRecord
	d := makeByteDecoder(data)
	kind, err := d.Byte()
	if err != nil {
		return rec, err
	}
	rec.kind = kind
	switch kind {
	case journalCommit:
		n, err := d.Uvarinti()
		if err != nil {
			return rec, err
		}
		rec.muts = make([]mutation, 0, n)
		for range n {
			var m mutation
			op, err := d.Byte()
			if err != nil {
				return rec, err
			}
			m.op = ChangeOp(op)
			if m.op != OpPut && m.op != OpDelete {
				return rec, dataErrf(data, d.Off()-1, nil, "invalid mutation op %d", op)
			}
			m.dict, err = d.VarString()
			if err != nil {
				return rec, err
			}
			m.key, err = d.VarBytes()
			if err != nil {
				return rec, err
			}
			if m.op == OpPut {
				m.value, err = d.VarBytes()
				if err != nil {
					return rec, err
				}
			}
			rec.muts = append(rec.muts, m)
		}
	case journalCreate:
		ident, err := d.VarString()
		if err != nil {
			return rec, err
		}
		raw, err := d.VarBytes()
		if err != nil {
			return rec, err
		}
		rec.entry, err = decodeCatalogEntry(ident, raw)
		if err != nil {
			return rec, err
		}
	case journalDrop:
		ident, err := d.VarString()
		if err != nil {
			return rec, err
		}
		rec.ident = ident
	default:
		return rec, dataErrf(data, 0, nil, "invalid journal record kind %d", kind)
	}
	if !d.Done() {
		return rec, dataErrf(data, d.Off(), nil, "trailing bytes in journal record")
	}
	return rec, nil
}
