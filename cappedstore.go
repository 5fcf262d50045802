package kvdict

import (
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

// DefaultCappedMaxSize is the size ceiling used when CappedOptions.MaxSize is
// zero.
const DefaultCappedMaxSize = 4096

// CappedDeleteCallback learns about every record a capped store is about to
// delete, e.g. to remove index entries pointing at it. An error aborts the
// deletion.
type CappedDeleteCallback interface {
	AboutToDeleteCapped(op *Op, id RecordID, data Slice) error
}

// CappedDeleteFunc adapts a function to CappedDeleteCallback.
type CappedDeleteFunc func(op *Op, id RecordID, data Slice) error

func (f CappedDeleteFunc) AboutToDeleteCapped(op *Op, id RecordID, data Slice) error {
	return f(op, id, data)
}

type CappedOptions struct {
	// MaxSize bounds the total data size in bytes. Zero means
	// DefaultCappedMaxSize, negative means unbounded.
	MaxSize int64

	// MaxDocs bounds the number of records; zero or negative means
	// unbounded.
	MaxDocs int64

	OnDelete CappedDeleteCallback
}

// CappedStore is a RecordStore that evicts its oldest records once the data
// size or record count goes over a ceiling.
//
// The ceilings are checked against DataSize and NumRecords, which are exact
// only when the store has a metadata dictionary or the engine keeps exact
// stats.
type CappedStore struct {
	*RecordStore
	maxSize  int64
	maxDocs  int64
	onDelete CappedDeleteCallback

	// held while checking and evicting
	deleteMu sync.Mutex
}

func NewCappedStore(rs *RecordStore, o CappedOptions) *CappedStore {
	cs := &CappedStore{
		RecordStore: rs,
		maxSize:     o.MaxSize,
		maxDocs:     o.MaxDocs,
		onDelete:    o.OnDelete,
	}
	if cs.maxSize == 0 {
		cs.maxSize = DefaultCappedMaxSize
	} else if cs.maxSize < 0 {
		cs.maxSize = -1
	}
	if cs.maxDocs <= 0 {
		cs.maxDocs = -1
	}
	rs.beforeDelete = cs.aboutToDelete
	return cs
}

func (cs *CappedStore) MaxSize() int64 { return cs.maxSize }
func (cs *CappedStore) MaxDocs() int64 { return cs.maxDocs }

// SetDeleteCallback replaces the callback given in CappedOptions.
func (cs *CappedStore) SetDeleteCallback(cb CappedDeleteCallback) {
	cs.deleteMu.Lock()
	defer cs.deleteMu.Unlock()
	cs.onDelete = cb
}

func (cs *CappedStore) aboutToDelete(op *Op, id RecordID, data Slice) error {
	if cs.onDelete == nil {
		return nil
	}
	return cs.onDelete.AboutToDeleteCapped(op, id, data)
}

func (cs *CappedStore) needsDelete(op *Op) (bool, error) {
	if cs.maxSize >= 0 {
		size, err := cs.DataSize(op)
		if err != nil {
			return false, err
		}
		if size > cs.maxSize {
			return true, nil
		}
	}
	if cs.maxDocs >= 0 {
		n, err := cs.NumRecords(op)
		if err != nil {
			return false, err
		}
		if n > cs.maxDocs {
			return true, nil
		}
	}
	return false, nil
}

// InsertRecord stores data and then evicts the oldest records while the
// store is over a ceiling. The new record itself is never evicted, so a
// record larger than MaxSize ends up alone in the store.
func (cs *CappedStore) InsertRecord(op *Op, data []byte) (RecordID, error) {
	id, err := cs.RecordStore.InsertRecord(op, data)
	if err != nil {
		return NullRecordID, err
	}
	err = cs.deleteAsNeeded(op, id)
	if err != nil {
		return NullRecordID, err
	}
	return id, nil
}

// InsertDocument stores the msgpack encoding of doc like InsertRecord.
func (cs *CappedStore) InsertDocument(op *Op, doc any) (RecordID, error) {
	data, err := EncodeDocument(doc)
	if err != nil {
		return NullRecordID, err
	}
	return cs.InsertRecord(op, data)
}

func (cs *CappedStore) deleteAsNeeded(op *Op, keep RecordID) error {
	needed, err := cs.needsDelete(op)
	if err != nil || !needed {
		return err
	}

	cs.deleteMu.Lock()
	defer cs.deleteMu.Unlock()

	var evicted int
	var evictedBytes int64
	it := cs.Iterator(op, NullRecordID, Forward)
	defer it.Close()
	for !it.EOF() {
		needed, err := cs.needsDelete(op)
		if err != nil {
			return err
		}
		if !needed {
			break
		}
		id := it.Next()
		if id == keep {
			continue
		}
		data, err := it.DataFor(id)
		if err != nil {
			return err
		}
		evictedBytes += int64(data.Len())
		if err := cs.DeleteRecord(op, id); err != nil {
			return err
		}
		evicted++
		cappedEvictions.Inc()
	}
	if err := it.Err(); err != nil {
		return err
	}
	if evicted > 0 && op.debugEnabled() {
		op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: capped eviction",
			slog.String("store", cs.ident),
			slog.Int("records", evicted),
			slog.String("size", humanize.IBytes(uint64(evictedBytes))),
			slog.String("maxSize", cs.maxSizeString()))
	}
	return nil
}

func (cs *CappedStore) maxSizeString() string {
	if cs.maxSize < 0 {
		return "unbounded"
	}
	return humanize.IBytes(uint64(cs.maxSize))
}

// TruncateAfter deletes every record after end, and end itself when
// inclusive, newest first.
func (cs *CappedStore) TruncateAfter(op *Op, end RecordID, inclusive bool) error {
	cs.deleteMu.Lock()
	defer cs.deleteMu.Unlock()

	rang := RawRange{Lower: end.Bytes(), LowerInc: inclusive, Reverse: true}
	c := ScanRange(op, cs.dict, rang)
	var ids []RecordID
	for c.Next() {
		id, err := DecodeRecordID(c.Key().Bytes())
		if err != nil {
			c.Close()
			return dictErrf(cs.ident, c.Key().Bytes(), err, "record id")
		}
		ids = append(ids, id)
	}
	err := c.Err()
	c.Close()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := cs.DeleteRecord(op, id); err != nil {
			return err
		}
	}
	op.logger.LogAttrs(op.ctx, slog.LevelInfo, "kvdict: capped truncate",
		slog.String("store", cs.ident),
		slog.Uint64("end", uint64(end)),
		slog.Bool("inclusive", inclusive),
		slog.Int("records", len(ids)))
	return nil
}

func (cs *CappedStore) CustomStats(op *Op) (map[string]any, error) {
	stats, err := cs.RecordStore.CustomStats(op)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(stats)+3)
	for k, v := range stats {
		out[k] = v
	}
	out["capped"] = true
	out["max"] = cs.maxDocs
	out["maxSize"] = cs.maxSize
	return out, nil
}
