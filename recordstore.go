package kvdict

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RecordStore keeps records in a RawBytes dictionary keyed by RecordID.
// Ids are 8-byte big-endian, so bytewise order is insertion order; the next
// id is one past the last stored one.
//
// With a metadata dictionary, the record count and data size are kept as
// counters under "<ident>-numRecords" and "<ident>-dataSize" and updated in
// the same unit of work as the records. Otherwise they come from the
// dictionary stats, which may be approximate.
type RecordStore struct {
	dict          Dictionary
	ident         string
	meta          Dictionary
	numRecordsKey Slice
	dataSizeKey   Slice
	nextID        atomic.Uint64

	// beforeDelete runs before every record removal.
	beforeDelete func(op *Op, id RecordID, data Slice) error
}

func numRecordsMetadataKey(ident string) string { return ident + "-numRecords" }
func dataSizeMetadataKey(ident string) string   { return ident + "-dataSize" }

// NewRecordStore opens a record store over dict. meta may be nil.
func NewRecordStore(op *Op, dict Dictionary, meta Dictionary) (*RecordStore, error) {
	if dict.Comparator().Kind() != RawBytes {
		return nil, dictErrf(dict.Name(), nil, ErrBadValue, "record store needs a raw bytes comparator, got %v", dict.Comparator())
	}
	rs := &RecordStore{
		dict:          dict,
		ident:         dict.Name(),
		meta:          meta,
		numRecordsKey: StringSlice(numRecordsMetadataKey(dict.Name())),
		dataSizeKey:   StringSlice(dataSizeMetadataKey(dict.Name())),
	}

	c := dict.Cursor(op, Backward)
	if c.OK() {
		last, err := DecodeRecordID(c.CurrKey().Bytes())
		if err != nil {
			c.Close()
			return nil, dictErrf(rs.ident, c.CurrKey().Bytes(), err, "last record id")
		}
		rs.nextID.Store(uint64(last) + 1)
	} else {
		rs.nextID.Store(1)
	}
	err := c.Err()
	c.Close()
	if err != nil {
		return nil, err
	}

	if meta != nil {
		for _, k := range []Slice{rs.numRecordsKey, rs.dataSizeKey} {
			_, err := meta.Get(op, k)
			if errors.Is(err, ErrNotFound) {
				err = meta.Insert(op, k, OwnedSlice(make([]byte, 8)), false)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return rs, nil
}

// CreateRecordStore creates the dictionary ident if needed and opens a record
// store over it.
func CreateRecordStore(op *Op, eng Engine, ident string, meta Dictionary) (*RecordStore, error) {
	cmp := RawBytesComparator()
	err := eng.CreateDictionary(op, ident, cmp)
	if err != nil {
		return nil, err
	}
	dict, err := eng.OpenDictionary(op, ident, cmp)
	if err != nil {
		return nil, err
	}
	return NewRecordStore(op, dict, meta)
}

// DeleteMetadataKeys removes the counters of the record store ident from
// meta.
func DeleteMetadataKeys(op *Op, meta Dictionary, ident string) error {
	err := meta.Remove(op, StringSlice(numRecordsMetadataKey(ident)))
	if err != nil {
		return err
	}
	return meta.Remove(op, StringSlice(dataSizeMetadataKey(ident)))
}

func (rs *RecordStore) Ident() string          { return rs.ident }
func (rs *RecordStore) Dictionary() Dictionary { return rs.dict }

func (rs *RecordStore) allocateID() RecordID {
	return RecordID(rs.nextID.Add(1) - 1)
}

// reserveID makes sure ids allocated later sort after id.
func (rs *RecordStore) reserveID(id RecordID) {
	for {
		next := rs.nextID.Load()
		if uint64(id) < next || rs.nextID.CompareAndSwap(next, uint64(id)+1) {
			return
		}
	}
}

func (rs *RecordStore) updateStats(op *Op, numRecordsDelta, dataSizeDelta int64) error {
	if rs.meta == nil {
		return nil
	}
	if numRecordsDelta != 0 {
		err := rs.meta.UpdateCurrent(op, rs.numRecordsKey, IncrementMessage{numRecordsDelta})
		if err != nil {
			return fmt.Errorf("%s: updating record count: %w", rs.ident, err)
		}
	}
	if dataSizeDelta != 0 {
		err := rs.meta.UpdateCurrent(op, rs.dataSizeKey, IncrementMessage{dataSizeDelta})
		if err != nil {
			return fmt.Errorf("%s: updating data size: %w", rs.ident, err)
		}
	}
	return nil
}

func (rs *RecordStore) counter(op *Op, key Slice) (int64, error) {
	v, err := rs.meta.Get(op, key)
	if err != nil {
		return 0, fmt.Errorf("%s: reading stats: %w", rs.ident, err)
	}
	return decodeCounter(v.Bytes())
}

// InsertRecord stores data under a new id.
func (rs *RecordStore) InsertRecord(op *Op, data []byte) (RecordID, error) {
	id := rs.allocateID()
	err := rs.dict.Insert(op, MakeSlice(id.Bytes()), MakeSlice(data), true)
	if err != nil {
		return NullRecordID, err
	}
	err = rs.updateStats(op, 1, int64(len(data)))
	if err != nil {
		return NullRecordID, err
	}
	return id, nil
}

// InsertDocument stores the msgpack encoding of doc under a new id.
func (rs *RecordStore) InsertDocument(op *Op, doc any) (RecordID, error) {
	data, err := EncodeDocument(doc)
	if err != nil {
		return NullRecordID, err
	}
	return rs.InsertRecord(op, data)
}

// FindRecord returns the data of id, or false if there is no such record.
func (rs *RecordStore) FindRecord(op *Op, id RecordID) (Slice, bool, error) {
	v, err := rs.dict.Get(op, MakeSlice(id.Bytes()))
	if errors.Is(err, ErrNotFound) {
		return Slice{}, false, nil
	} else if err != nil {
		op.logger.LogAttrs(op.ctx, slog.LevelError, "kvdict: record lookup failed", slog.String("store", rs.ident), slog.Uint64("id", uint64(id)), slog.Any("err", err))
		return Slice{}, false, err
	}
	return v, true, nil
}

// DataFor is FindRecord for records that must exist.
func (rs *RecordStore) DataFor(op *Op, id RecordID) (Slice, error) {
	v, found, err := rs.FindRecord(op, id)
	if err != nil {
		return Slice{}, err
	}
	if !found {
		return Slice{}, dictErrf(rs.ident, id.Bytes(), ErrNotFound, "%v", id)
	}
	return v, nil
}

// DecodeDocument decodes the msgpack record id into ptr.
func (rs *RecordStore) DecodeDocument(op *Op, id RecordID, ptr any) error {
	v, err := rs.DataFor(op, id)
	if err != nil {
		return err
	}
	return DecodeDocument(v.Bytes(), ptr)
}

// UpdateRecord replaces the data of id, creating the record if it is absent.
// A created record moves the next id past it.
func (rs *RecordStore) UpdateRecord(op *Op, id RecordID, data []byte) error {
	key := MakeSlice(id.Bytes())
	var numRecordsDelta int64
	dataSizeDelta := int64(len(data))
	old, err := rs.dict.Get(op, key)
	if errors.Is(err, ErrNotFound) {
		numRecordsDelta = 1
		rs.reserveID(id)
	} else if err != nil {
		return err
	} else {
		dataSizeDelta -= int64(old.Len())
	}
	err = rs.dict.Insert(op, key, MakeSlice(data), true)
	if err != nil {
		return err
	}
	return rs.updateStats(op, numRecordsDelta, dataSizeDelta)
}

// UpdateWithDamages patches the record in place. oldData must be the current
// data of id; the size does not change.
func (rs *RecordStore) UpdateWithDamages(op *Op, id RecordID, oldData Slice, source []byte, damages []Damage) error {
	return rs.dict.Update(op, MakeSlice(id.Bytes()), oldData, DamagesMessage{Source: source, Damages: damages})
}

// DeleteRecord removes id, which must exist.
func (rs *RecordStore) DeleteRecord(op *Op, id RecordID) error {
	key := MakeSlice(id.Bytes())
	v, err := rs.dict.Get(op, key)
	if errors.Is(err, ErrNotFound) {
		return dictErrf(rs.ident, key.Bytes(), ErrNotFound, "couldn't find record %v for delete", id)
	} else if err != nil {
		return err
	}
	if rs.beforeDelete != nil {
		if err := rs.beforeDelete(op, id, v); err != nil {
			return err
		}
	}
	err = rs.updateStats(op, -1, -int64(v.Len()))
	if err != nil {
		return err
	}
	return rs.dict.Remove(op, key)
}

// Truncate deletes every record.
func (rs *RecordStore) Truncate(op *Op) error {
	it := rs.Iterator(op, NullRecordID, Forward)
	defer it.Close()
	for !it.EOF() {
		id := it.Next()
		if err := rs.DeleteRecord(op, id); err != nil {
			return err
		}
	}
	return it.Err()
}

func (rs *RecordStore) Compact(op *Op) error {
	return rs.dict.Compact(op)
}

// ValidateResults is the outcome of RecordStore.Validate.
type ValidateResults struct {
	Valid      bool
	Errors     []string
	NumRecords int64
}

// Validate walks every record. With scanData set, each record is passed to
// check, when given; records it rejects make the result invalid.
func (rs *RecordStore) Validate(op *Op, scanData bool, check func(id RecordID, data Slice) error) (*ValidateResults, error) {
	res := &ValidateResults{Valid: true}
	invalidObject := false
	it := rs.Iterator(op, NullRecordID, Forward)
	defer it.Close()
	for !it.EOF() {
		res.NumRecords++
		id := it.Curr()
		if scanData && check != nil {
			data, err := it.DataFor(id)
			if err != nil {
				return nil, err
			}
			if err := check(id, data); err != nil {
				res.Valid = false
				if invalidObject {
					res.Errors = append(res.Errors, "invalid object detected (see logs)")
				}
				invalidObject = true
				op.logger.LogAttrs(op.ctx, slog.LevelWarn, "kvdict: invalid object", slog.String("store", rs.ident), slog.Uint64("id", uint64(id)), slog.Any("err", err))
			}
		}
		it.Next()
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Touch reads every record and reports how long it took.
func (rs *RecordStore) Touch(op *Op) (time.Duration, error) {
	start := time.Now()
	it := rs.Iterator(op, NullRecordID, Forward)
	defer it.Close()
	for !it.EOF() {
		it.Next()
	}
	return time.Since(start), it.Err()
}

func (rs *RecordStore) DataSize(op *Op) (int64, error) {
	if rs.meta != nil {
		return rs.counter(op, rs.dataSizeKey)
	}
	st, err := rs.dict.Stats(op)
	return st.DataSize, err
}

func (rs *RecordStore) NumRecords(op *Op) (int64, error) {
	if rs.meta != nil {
		return rs.counter(op, rs.numRecordsKey)
	}
	st, err := rs.dict.Stats(op)
	return st.NumKeys, err
}

func (rs *RecordStore) StorageSize(op *Op) (int64, error) {
	st, err := rs.dict.Stats(op)
	return st.StorageSize, err
}

func (rs *RecordStore) CustomStats(op *Op) (map[string]any, error) {
	return rs.dict.CustomStats(op)
}

func (rs *RecordStore) SetCustomOption(op *Op, name string, value any) error {
	return rs.dict.SetCustomOption(op, name, value)
}

// RecordIterator walks record ids in one direction. Next returns the current
// id and moves on, so records may be deleted right after Next returns them.
type RecordIterator struct {
	rs  *RecordStore
	op  *Op
	dir Direction
	cur Cursor
	err error

	// the record last returned by Next, or saved by SaveState
	savedID  RecordID
	savedVal Slice
}

// Iterator starts at start, or at the first record in dir when start is
// NullRecordID.
func (rs *RecordStore) Iterator(op *Op, start RecordID, dir Direction) *RecordIterator {
	it := &RecordIterator{rs: rs, op: op, dir: dir}
	if start.IsNull() {
		if dir == Forward {
			start = MinRecordID
		} else {
			start = MaxRecordID
		}
	}
	it.setCursor(start)
	return it
}

func (it *RecordIterator) setCursor(id RecordID) {
	invariant(it.cur == nil, "%s: iterator already has a cursor", it.rs.ident)
	it.savedID, it.savedVal = NullRecordID, Slice{}
	it.cur = it.rs.dict.CursorAt(it.op, MakeSlice(id.Bytes()), it.dir)
}

func (it *RecordIterator) EOF() bool {
	return it.cur == nil || !it.cur.OK()
}

// Curr returns the current id, or NullRecordID at the end.
func (it *RecordIterator) Curr() RecordID {
	if it.EOF() {
		return NullRecordID
	}
	id, err := DecodeRecordID(it.cur.CurrKey().Bytes())
	if err != nil {
		it.err = dictErrf(it.rs.ident, it.cur.CurrKey().Bytes(), err, "record id")
		return NullRecordID
	}
	return id
}

func (it *RecordIterator) saveIDAndVal() {
	if it.EOF() {
		it.savedID, it.savedVal = NullRecordID, Slice{}
		return
	}
	it.savedID = it.Curr()
	it.savedVal = it.cur.CurrVal().Owned()
}

// Next returns the current id and advances, or returns NullRecordID at the
// end.
func (it *RecordIterator) Next() RecordID {
	if it.EOF() {
		return NullRecordID
	}
	it.saveIDAndVal()
	it.cur.Advance()
	return it.savedID
}

// DataFor returns the data of id, answering from the record last returned by
// Next when possible.
func (it *RecordIterator) DataFor(id RecordID) (Slice, error) {
	invariant(it.op != nil, "%s: DataFor on a saved iterator", it.rs.ident)
	if !it.savedID.IsNull() && it.savedID == id {
		return it.savedVal, nil
	}
	if !it.EOF() && it.Curr() == id {
		return it.cur.CurrVal(), nil
	}
	return it.rs.DataFor(it.op, id)
}

// SaveState detaches the iterator from its operation.
func (it *RecordIterator) SaveState() {
	it.saveIDAndVal()
	if it.cur != nil {
		if it.err == nil {
			it.err = it.cur.Err()
		}
		it.cur.Close()
		it.cur = nil
	}
	it.op = nil
}

// RestoreState re-attaches the iterator to op at the saved record, or at the
// next one if it was deleted meanwhile. An iterator saved at the end stays
// at the end.
func (it *RecordIterator) RestoreState(op *Op) {
	invariant(it.op == nil && it.cur == nil, "%s: RestoreState without SaveState", it.rs.ident)
	it.op = op
	if !it.savedID.IsNull() {
		it.setCursor(it.savedID)
	}
}

func (it *RecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.cur != nil {
		return it.cur.Err()
	}
	return nil
}

func (it *RecordIterator) Close() {
	if it.cur != nil {
		it.cur.Close()
		it.cur = nil
	}
}
