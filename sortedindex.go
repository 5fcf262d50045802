package kvdict

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
)

// IndexDescriptor names an index and fixes its key ordering.
type IndexDescriptor struct {
	Name     string
	Ordering Ordering
	Unique   bool
}

// Comparator returns the comparator the index dictionary must be created with.
func (desc IndexDescriptor) Comparator() Comparator {
	return StructuredComparator(desc.Ordering, desc.Unique)
}

// SortedIndex maps structured keys to record locations on top of a
// dictionary.
//
// A unique index stores the encoded key alone, with the location (or, when
// duplicates were allowed, a packed array of locations) as the value. A
// non-unique index stores the encoded key followed by the location, with an
// empty value, so every (key, location) pair is a separate dictionary key.
type SortedIndex struct {
	dict Dictionary
	desc IndexDescriptor
}

// NewSortedIndex wraps dict, which must have been created with
// desc.Comparator().
func NewSortedIndex(dict Dictionary, desc IndexDescriptor) (*SortedIndex, error) {
	if desc.Name == "" {
		desc.Name = dict.Name()
	}
	if actual, wanted := dict.Comparator(), desc.Comparator(); actual != wanted {
		return nil, dictErrf(dict.Name(), nil, ErrBadValue, "index %s needs comparator %v, dictionary has %v", desc.Name, wanted, actual)
	}
	return &SortedIndex{dict: dict, desc: desc}, nil
}

// CreateSortedIndex creates the dictionary ident if needed and opens an index
// over it.
func CreateSortedIndex(op *Op, eng Engine, ident string, desc IndexDescriptor) (*SortedIndex, error) {
	cmp := desc.Comparator()
	err := eng.CreateDictionary(op, ident, cmp)
	if err != nil {
		return nil, err
	}
	dict, err := eng.OpenDictionary(op, ident, cmp)
	if err != nil {
		return nil, err
	}
	return NewSortedIndex(dict, desc)
}

func (ix *SortedIndex) Name() string                { return ix.desc.Name }
func (ix *SortedIndex) Descriptor() IndexDescriptor { return ix.desc }
func (ix *SortedIndex) Dictionary() Dictionary      { return ix.dict }
func (ix *SortedIndex) Unique() bool                { return ix.desc.Unique }

// encodeKey encodes key into a pooled buffer; the caller releases it.
func (ix *SortedIndex) encodeKey(key Key) ([]byte, error) {
	buf := keyBytesPool.Get().([]byte)
	ks, err := appendKeyString(buf[:0], key, ix.desc.Ordering)
	if err != nil {
		releaseKeyBytes(ks)
		return nil, dictErrf(ix.desc.Name, nil, err, "encode %v", key)
	}
	return ks, nil
}

func (ix *SortedIndex) dupKeyErr(key Key) error {
	duplicateKeys.Inc()
	return &DuplicateKeyError{Index: ix.desc.Name, Key: key.Stripped()}
}

// Insert adds (key, loc) to the index.
//
// Keys whose encoding is MaxIndexKeySize bytes or longer fail with
// *KeyTooLongError and write nothing. In a unique index, an existing key
// fails with *DuplicateKeyError unless dupsAllowed, in which case loc joins
// the key's location set. A write conflict during a unique insert with
// duplicates disallowed is reported as *DuplicateKeyError too: the index
// prefers a false duplicate report over a lost update.
func (ix *SortedIndex) Insert(op *Op, key Key, loc RecordID, dupsAllowed bool) error {
	ks, err := ix.encodeKey(key)
	if err != nil {
		return err
	}
	defer releaseKeyBytes(ks)

	indexKeySizes.Update(float64(len(ks)))
	if len(ks) >= MaxIndexKeySize {
		return &KeyTooLongError{Index: ix.desc.Name, Size: len(ks), Key: key.Stripped()}
	}

	switch {
	case ix.desc.Unique && dupsAllowed:
		err = ix.insertIntoSet(op, ks, loc)
	case ix.desc.Unique:
		err = ix.dict.Insert(op, MakeSlice(ks), MakeSlice(loc.Bytes()), false)
		if errors.Is(err, ErrDuplicateKey) {
			if op.debugEnabled() {
				op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: unique insert found existing key", slog.String("index", ix.desc.Name), hexAttr("key", ks))
			}
			return ix.dupKeyErr(key)
		}
	default:
		entry := loc.appendTo(ks)
		err = ix.dict.Insert(op, MakeSlice(entry), MakeSlice(emptyValue), true)
	}
	if err != nil && IsWriteConflict(err) && ix.desc.Unique && !dupsAllowed {
		return ix.dupKeyErr(key)
	}
	return err
}

// insertIntoSet adds loc to the sorted location set stored under ks.
func (ix *SortedIndex) insertIntoSet(op *Op, ks []byte, loc RecordID) error {
	old, err := ix.dict.Get(op, MakeSlice(ks))
	if errors.Is(err, ErrNotFound) {
		if op.debugEnabled() {
			op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: unique index with dups allowed, new key", slog.String("index", ix.desc.Name), hexAttr("key", ks))
		}
		return ix.dict.Insert(op, MakeSlice(ks), MakeSlice(loc.Bytes()), true)
	} else if err != nil {
		return err
	}
	locs, err := decodeLocations(old.Bytes())
	if err != nil {
		return dictErrf(ix.desc.Name, ks, err, "location set")
	}
	i, found := slices.BinarySearch(locs, loc)
	if found {
		return nil
	}
	locs = slices.Insert(locs, i, loc)
	if op.debugEnabled() {
		op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: unique index with dups allowed, appending location", slog.String("index", ix.desc.Name), hexAttr("key", ks), slog.Int("locations", len(locs)))
	}
	return ix.dict.Insert(op, MakeSlice(ks), OwnedSlice(encodeLocations(nil, locs)), true)
}

// Unindex removes (key, loc). Removing an absent entry succeeds.
//
// In a unique index only loc leaves the key's location set; the key itself
// goes away with its last location. dupsAllowed does not change the
// outcome.
func (ix *SortedIndex) Unindex(op *Op, key Key, loc RecordID, dupsAllowed bool) error {
	ks, err := ix.encodeKey(key)
	if err != nil {
		return err
	}
	defer releaseKeyBytes(ks)

	if !ix.desc.Unique {
		return ix.dict.Remove(op, MakeSlice(loc.appendTo(ks)))
	}

	old, err := ix.dict.Get(op, MakeSlice(ks))
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	locs, err := decodeLocations(old.Bytes())
	if err != nil {
		return dictErrf(ix.desc.Name, ks, err, "location set")
	}
	i, found := slices.BinarySearch(locs, loc)
	if !found {
		if op.debugEnabled() {
			op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: unindex of a location not in the set", slog.String("index", ix.desc.Name), hexAttr("key", ks), slog.Uint64("loc", uint64(loc)))
		}
		return nil
	}
	if len(locs) == 1 {
		return ix.dict.Remove(op, MakeSlice(ks))
	}
	locs = slices.Delete(locs, i, i+1)
	return ix.dict.Insert(op, MakeSlice(ks), OwnedSlice(encodeLocations(nil, locs)), true)
}

// DupKeyCheck fails with *DuplicateKeyError if key is already indexed at a
// location other than loc.
func (ix *SortedIndex) DupKeyCheck(op *Op, key Key, loc RecordID) error {
	ks, err := ix.encodeKey(key)
	if err != nil {
		return err
	}
	defer releaseKeyBytes(ks)

	c := ix.NewCursor(op, Forward)
	defer c.Close()
	err = c.locate(ks, NullRecordID)
	if err != nil {
		return err
	}
	if c.EOF() || !bytes.Equal(c.keyStr, ks) {
		return nil
	}
	if c.RecordID() == loc {
		return nil
	}
	return ix.dupKeyErr(key)
}

// FullValidate counts the dictionary entries of the index. With full set, it
// also decodes every entry and fails on the first malformed one.
func (ix *SortedIndex) FullValidate(op *Op, full bool) (int64, error) {
	var n int64
	c := ix.dict.Cursor(op, Forward)
	defer c.Close()
	for ; c.OK(); c.Advance() {
		if full {
			if _, _, err := ix.decodeEntry(c.CurrKey().Bytes(), c.CurrVal().Bytes()); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, c.Err()
}

// decodeEntry splits a dictionary entry into its key string and locations.
func (ix *SortedIndex) decodeEntry(k, v []byte) ([]byte, []RecordID, error) {
	_, end, err := decodeKeyString(k, ix.desc.Ordering)
	if err != nil {
		return nil, nil, dictErrf(ix.desc.Name, k, err, "decode key")
	}
	if ix.desc.Unique {
		if end != len(k) {
			return nil, nil, dictErrf(ix.desc.Name, k, ErrCorrupted, "trailing bytes after unique key")
		}
		locs, err := decodeLocations(v)
		if err != nil {
			return nil, nil, dictErrf(ix.desc.Name, k, err, "decode locations")
		}
		return k, locs, nil
	}
	loc, err := DecodeRecordID(k[end:])
	if err != nil {
		return nil, nil, dictErrf(ix.desc.Name, k, err, "decode location")
	}
	if len(v) != 0 {
		return nil, nil, dictErrf(ix.desc.Name, k, ErrCorrupted, "non-empty value in non-unique index")
	}
	return k[:end], []RecordID{loc}, nil
}

// NumEntries returns the number of dictionary entries; a unique key with
// several locations counts once.
func (ix *SortedIndex) NumEntries(op *Op) (int64, error) {
	return ix.FullValidate(op, false)
}

func (ix *SortedIndex) IsEmpty(op *Op) (bool, error) {
	c := ix.dict.Cursor(op, Forward)
	defer c.Close()
	return !c.OK(), c.Err()
}

// Touch reads the whole index.
func (ix *SortedIndex) Touch(op *Op) error {
	_, err := ix.FullValidate(op, false)
	return err
}

func (ix *SortedIndex) SpaceUsedBytes(op *Op) (int64, error) {
	st, err := ix.dict.Stats(op)
	if err != nil {
		return 0, err
	}
	return st.StorageSize, nil
}

// InitAsEmpty does nothing: a new dictionary is already an empty index.
func (ix *SortedIndex) InitAsEmpty(op *Op) error {
	return nil
}

// BulkBuilder loads many entries at once. Entries go through Insert in key
// order; entries with equal keys keep the order they were added in.
type BulkBuilder struct {
	ix          *SortedIndex
	op          *Op
	dupsAllowed bool
	entries     []bulkEntry
	done        bool
}

type bulkEntry struct {
	ks  []byte
	key Key
	loc RecordID
}

func (ix *SortedIndex) BulkBuilder(op *Op, dupsAllowed bool) *BulkBuilder {
	return &BulkBuilder{ix: ix, op: op, dupsAllowed: dupsAllowed}
}

// AddKey queues (key, loc). Keys that cannot be encoded or are too long are
// rejected right away.
func (b *BulkBuilder) AddKey(key Key, loc RecordID) error {
	invariant(!b.done, "%s: AddKey after Commit", b.ix.desc.Name)
	ks, err := appendKeyString(nil, key, b.ix.desc.Ordering)
	if err != nil {
		return dictErrf(b.ix.desc.Name, nil, err, "encode %v", key)
	}
	if len(ks) >= MaxIndexKeySize {
		return &KeyTooLongError{Index: b.ix.desc.Name, Size: len(ks), Key: key.Stripped()}
	}
	b.entries = append(b.entries, bulkEntry{ks: loc.appendTo(ks), key: key, loc: loc})
	return nil
}

// Commit inserts the queued entries and returns how many were inserted
// before the first failure.
func (b *BulkBuilder) Commit() (int, error) {
	invariant(!b.done, "%s: Commit called twice", b.ix.desc.Name)
	b.done = true
	slices.SortStableFunc(b.entries, func(x, y bulkEntry) int {
		return compareKeyStrings(x.ks, y.ks, b.ix.desc.Ordering, true)
	})
	for i, e := range b.entries {
		if err := b.ix.Insert(b.op, e.key, e.loc, b.dupsAllowed); err != nil {
			return i, err
		}
	}
	n := len(b.entries)
	b.entries = nil
	return n, nil
}
