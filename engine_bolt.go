package kvdict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/bbolt"
)

type BoltOptions struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
	ReadOnly  bool
	Timeout   time.Duration
}

// BoltEngine stores each dictionary in its own bbolt bucket. Buckets order
// keys bytewise, so structured dictionaries rely on the order-preserving key
// encoding.
//
// A read-write recovery unit owns one writable bbolt transaction, begun on
// first use; bbolt serializes writers, so a second writable unit blocks
// instead of conflicting. Values returned by Get and cursors are borrowed
// from the transaction.
type BoltEngine struct {
	bdb      *bbolt.DB
	logger   *slog.Logger
	verbose  bool
	counters *engineCounters

	fillPercent *xsync.MapOf[string, float64]

	lastSize    atomic.Int64
	ReaderCount atomic.Int64
	WriterCount atomic.Int64
}

var _ Engine = (*BoltEngine)(nil)

const (
	boltCatalogBucket = "_catalog"
	boltDictPrefix    = "d:"

	minBoltFillPercent = 0.1
	maxBoltFillPercent = 1.0
)

func OpenBolt(path string, o BoltOptions) (*BoltEngine, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if o.Timeout != 0 {
		bopt.Timeout = o.Timeout
	}
	if o.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if o.MmapSize != 0 {
		bopt.InitialMmapSize = o.MmapSize
	}
	bopt.ReadOnly = o.ReadOnly

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("kvdict: %w", err)
	}
	e := &BoltEngine{
		bdb:         bdb,
		logger:      orDefaultLogger(o.Logger),
		verbose:     o.Verbose,
		counters:    newEngineCounters("bolt"),
		fillPercent: xsync.NewMapOf[string, float64](),
	}
	return e, nil
}

// Bolt returns the underlying database.
func (e *BoltEngine) Bolt() *bbolt.DB {
	return e.bdb
}

// Size returns the database size observed at the last commit.
func (e *BoltEngine) Size() int64 {
	return e.lastSize.Load()
}

func (e *BoltEngine) Name() string { return "bolt" }

func (e *BoltEngine) Close() error {
	return e.bdb.Close()
}

func (e *BoltEngine) NewRecoveryUnit(readOnly bool) RecoveryUnit {
	return &boltRecoveryUnit{eng: e, id: uuid.New(), readOnly: readOnly}
}

func (e *BoltEngine) CreateDictionary(op *Op, ident string, cmp Comparator) error {
	if ident == "" {
		return fmt.Errorf("%w: empty dictionary ident", ErrBadValue)
	}
	btx, err := e.writableTx(op, ident)
	if err != nil {
		return err
	}
	cat, err := btx.CreateBucketIfNotExists(unsafeBytesFromString(boltCatalogBucket))
	if err != nil {
		return dictErrf(ident, nil, err, "create catalog")
	}
	if raw := cat.Get([]byte(ident)); raw != nil {
		ce, err := decodeCatalogEntry(ident, raw)
		if err != nil {
			return err
		}
		return ce.checkComparator(cmp)
	}
	ce := newCatalogEntry(ident, cmp)
	err = cat.Put([]byte(ident), ce.encode())
	if err != nil {
		return dictErrf(ident, nil, err, "create")
	}
	_, err = btx.CreateBucketIfNotExists(boltBucketName(ident))
	if err != nil {
		return dictErrf(ident, nil, err, "create")
	}
	if e.verbose {
		op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: created dictionary", slog.String("dict", ident), slog.String("cmp", cmp.String()))
	}
	return nil
}

func (e *BoltEngine) OpenDictionary(op *Op, ident string, cmp Comparator) (Dictionary, error) {
	ce, err := e.LookupDictionary(op, ident)
	if err != nil {
		return nil, err
	}
	if err := ce.checkComparator(cmp); err != nil {
		return nil, err
	}
	return &boltDictionary{
		eng:    e,
		ident:  ident,
		cmp:    cmp,
		bucket: boltBucketName(ident),
	}, nil
}

func (e *BoltEngine) DropDictionary(op *Op, ident string) error {
	btx, err := e.writableTx(op, ident)
	if err != nil {
		return err
	}
	cat := btx.Bucket(unsafeBytesFromString(boltCatalogBucket))
	if cat == nil {
		return nil
	}
	err = cat.Delete([]byte(ident))
	if err != nil {
		return dictErrf(ident, nil, err, "drop")
	}
	err = btx.DeleteBucket(boltBucketName(ident))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return dictErrf(ident, nil, err, "drop")
	}
	e.fillPercent.Delete(ident)
	return nil
}

func (e *BoltEngine) LookupDictionary(op *Op, ident string) (CatalogEntry, error) {
	btx, err := e.tx(op)
	if err != nil {
		return CatalogEntry{}, err
	}
	cat := btx.Bucket(unsafeBytesFromString(boltCatalogBucket))
	var raw []byte
	if cat != nil {
		raw = cat.Get([]byte(ident))
	}
	if raw == nil {
		return CatalogEntry{}, dictErrf(ident, nil, ErrNotFound, "no such dictionary")
	}
	return decodeCatalogEntry(ident, raw)
}

func (e *BoltEngine) ListDictionaries(op *Op) ([]CatalogEntry, error) {
	btx, err := e.tx(op)
	if err != nil {
		return nil, err
	}
	cat := btx.Bucket(unsafeBytesFromString(boltCatalogBucket))
	if cat == nil {
		return nil, nil
	}
	var entries []CatalogEntry
	err = cat.ForEach(func(k, v []byte) error {
		ce, err := decodeCatalogEntry(string(k), v)
		if err != nil {
			return err
		}
		entries = append(entries, ce)
		return nil
	})
	return entries, err
}

func (e *BoltEngine) unit(op *Op) *boltRecoveryUnit {
	ru, ok := op.ru.(*boltRecoveryUnit)
	invariant(ok && ru.eng == e, "recovery unit %T does not belong to this bolt engine", op.ru)
	return ru
}

func (e *BoltEngine) tx(op *Op) (*bbolt.Tx, error) {
	if err := op.checkForInterrupt(); err != nil {
		return nil, err
	}
	return e.unit(op).tx()
}

func (e *BoltEngine) writableTx(op *Op, ident string) (*bbolt.Tx, error) {
	ru := e.unit(op)
	if ru.readOnly {
		return nil, dictErrf(ident, nil, ErrReadOnly, "")
	}
	if err := op.checkForInterrupt(); err != nil {
		return nil, err
	}
	return ru.tx()
}

func boltBucketName(ident string) []byte {
	return append([]byte(boltDictPrefix), ident...)
}

type boltRecoveryUnit struct {
	eng      *BoltEngine
	id       uuid.UUID
	readOnly bool
	btx      *bbolt.Tx
	changes  changeList
}

func (ru *boltRecoveryUnit) ID() uuid.UUID  { return ru.id }
func (ru *boltRecoveryUnit) ReadOnly() bool { return ru.readOnly }

func (ru *boltRecoveryUnit) RegisterChange(ch Change) {
	ru.changes = append(ru.changes, ch)
}

func (ru *boltRecoveryUnit) tx() (*bbolt.Tx, error) {
	if ru.btx != nil {
		return ru.btx, nil
	}
	if ru.readOnly {
		ru.eng.ReaderCount.Add(1)
	} else {
		ru.eng.WriterCount.Add(1)
	}
	btx, err := ru.eng.bdb.Begin(!ru.readOnly)
	if err != nil {
		ru.finished()
		return nil, mapBoltErr(err)
	}
	ru.btx = btx
	return btx, nil
}

func (ru *boltRecoveryUnit) finished() {
	if ru.readOnly {
		ru.eng.ReaderCount.Add(-1)
	} else {
		ru.eng.WriterCount.Add(-1)
	}
}

func (ru *boltRecoveryUnit) Commit() error {
	btx := ru.btx
	if btx == nil {
		ru.changes.commitAll()
		return nil
	}
	ru.btx = nil
	defer ru.finished()

	if !btx.Writable() {
		btx.Rollback()
		ru.changes.commitAll()
		return nil
	}
	size := btx.Size()
	err := btx.Commit()
	if err != nil {
		ru.eng.logger.LogAttrs(context.Background(), slog.LevelError, "kvdict: bolt commit failed", slog.String("ru", ru.id.String()), slog.Any("err", err))
		ru.changes.rollbackAll()
		return mapBoltErr(err)
	}
	ru.eng.lastSize.Store(size)
	ru.changes.commitAll()
	return nil
}

func (ru *boltRecoveryUnit) Abort() error {
	var err error
	if btx := ru.btx; btx != nil {
		ru.btx = nil
		err = btx.Rollback()
		if errors.Is(err, bbolt.ErrTxClosed) {
			err = nil
		}
		ru.finished()
	}
	ru.changes.rollbackAll()
	return err
}

func mapBoltErr(err error) error {
	switch {
	case errors.Is(err, bbolt.ErrTxNotWritable), errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	case errors.Is(err, bbolt.ErrDatabaseNotOpen), errors.Is(err, bbolt.ErrTxClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return err
	}
}

type boltDictionary struct {
	eng    *BoltEngine
	ident  string
	cmp    Comparator
	bucket []byte
}

var _ Dictionary = (*boltDictionary)(nil)

func (d *boltDictionary) Name() string           { return d.ident }
func (d *boltDictionary) Comparator() Comparator { return d.cmp }

func (d *boltDictionary) readBucket(op *Op) (*bbolt.Bucket, error) {
	btx, err := d.eng.tx(op)
	if err != nil {
		return nil, err
	}
	b := btx.Bucket(d.bucket)
	if b == nil {
		return nil, dictErrf(d.ident, nil, ErrNotFound, "dictionary dropped")
	}
	return b, nil
}

func (d *boltDictionary) writeBucket(op *Op, key []byte) (*bbolt.Bucket, error) {
	if len(key) == 0 {
		return nil, dictErrf(d.ident, key, ErrBadValue, "empty keys are not supported by bolt")
	}
	btx, err := d.eng.writableTx(op, d.ident)
	if err != nil {
		return nil, err
	}
	b := btx.Bucket(d.bucket)
	if b == nil {
		return nil, dictErrf(d.ident, nil, ErrNotFound, "dictionary dropped")
	}
	if fp, ok := d.eng.fillPercent.Load(d.ident); ok {
		b.FillPercent = fp
	}
	return b, nil
}

// lookup distinguishes a missing key from an empty value, which bbolt's Get
// cannot do.
func boltLookup(b *bbolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	if v == nil {
		v = emptyValue
	}
	return v, true
}

func (d *boltDictionary) Get(op *Op, key Slice) (Slice, error) {
	d.eng.counters.get.Inc()
	b, err := d.readBucket(op)
	if err != nil {
		return Slice{}, err
	}
	v, found := boltLookup(b, key.Bytes())
	if !found {
		return Slice{}, dictErrf(d.ident, key.Bytes(), ErrNotFound, "")
	}
	return MakeSlice(v), nil
}

func (d *boltDictionary) Insert(op *Op, key, value Slice, overwrite bool) error {
	d.eng.counters.insert.Inc()
	b, err := d.writeBucket(op, key.Bytes())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, found := boltLookup(b, key.Bytes()); found {
			return dictErrf(d.ident, key.Bytes(), ErrDuplicateKey, "insert")
		}
	}
	err = b.Put(bytes.Clone(key.Bytes()), bytes.Clone(value.nonNilBytes()))
	if err != nil {
		return dictErrf(d.ident, key.Bytes(), mapBoltErr(err), "put")
	}
	return nil
}

func (d *boltDictionary) Remove(op *Op, key Slice) error {
	d.eng.counters.remove.Inc()
	b, err := d.writeBucket(op, key.Bytes())
	if err != nil {
		return err
	}
	err = b.Delete(key.Bytes())
	if err != nil {
		return dictErrf(d.ident, key.Bytes(), mapBoltErr(err), "delete")
	}
	return nil
}

func (d *boltDictionary) Update(op *Op, key, oldValue Slice, msg UpdateMessage) error {
	d.eng.counters.update.Inc()
	return DefaultUpdate(op, d, key, oldValue, msg)
}

func (d *boltDictionary) UpdateCurrent(op *Op, key Slice, msg UpdateMessage) error {
	return DefaultUpdateCurrent(op, d, key, msg)
}

func (d *boltDictionary) Cursor(op *Op, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	if c.err == nil {
		if dir == Forward {
			c.set(c.c.First())
		} else {
			c.set(c.c.Last())
		}
	}
	return c
}

func (d *boltDictionary) CursorAt(op *Op, key Slice, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	if c.err == nil {
		c.Seek(key)
	}
	return c
}

func (d *boltDictionary) Stats(op *Op) (Stats, error) {
	b, err := d.readBucket(op)
	if err != nil {
		return Stats{}, err
	}
	s := b.Stats()
	// small buckets live inline in their parent page
	return Stats{
		DataSize:    int64(s.LeafInuse + s.InlineBucketInuse),
		StorageSize: int64(s.BranchAlloc + s.LeafAlloc + s.InlineBucketInuse),
		NumKeys:     int64(s.KeyN),
	}, nil
}

func (d *boltDictionary) CustomStats(op *Op) (map[string]any, error) {
	b, err := d.readBucket(op)
	if err != nil {
		return nil, err
	}
	s := b.Stats()
	fp, ok := d.eng.fillPercent.Load(d.ident)
	if !ok {
		fp = bbolt.DefaultFillPercent
	}
	return map[string]any{
		"engine":      "bolt",
		"depth":       s.Depth,
		"branchPages": s.BranchPageN,
		"leafPages":   s.LeafPageN,
		"overflow":    s.LeafOverflowN + s.BranchOverflowN,
		"fillPercent": fp,
		"dbSize":      d.eng.Size(),
	}, nil
}

func (d *boltDictionary) Compact(op *Op) error {
	return nil
}

func (d *boltDictionary) SetCustomOption(op *Op, name string, value any) error {
	if name != "fillPercent" {
		return checkCustomOption(d.ident, name)
	}
	fp, ok := value.(float64)
	if !ok || fp < minBoltFillPercent || fp > maxBoltFillPercent {
		return dictErrf(d.ident, nil, ErrBadValue, "fillPercent must be a float64 between %v and %v, got %v", minBoltFillPercent, maxBoltFillPercent, value)
	}
	d.eng.fillPercent.Store(d.ident, fp)
	return nil
}

// boltCursor re-seeks from its current key on every move, so it stays valid
// when the bucket is modified through the same transaction.
type boltCursor struct {
	d   *boltDictionary
	op  *Op
	dir Direction
	c   *bbolt.Cursor
	key []byte
	val []byte
	ok  bool
	err error
}

func (d *boltDictionary) newCursor(op *Op, dir Direction) *boltCursor {
	invariant(dir == Forward || dir == Backward, "%s: invalid direction %d", d.ident, dir)
	d.eng.counters.cursor.Inc()
	c := &boltCursor{d: d, op: op, dir: dir}
	b, err := d.readBucket(op)
	if err != nil {
		c.err = err
		return c
	}
	c.c = b.Cursor()
	return c
}

func (c *boltCursor) Direction() Direction { return c.dir }
func (c *boltCursor) OK() bool             { return c.ok }
func (c *boltCursor) Err() error           { return c.err }

func (c *boltCursor) set(k, v []byte) {
	if k == nil {
		c.ok = false
		c.val = nil
		return
	}
	if v == nil {
		v = emptyValue
	}
	c.ok = true
	c.key = bytes.Clone(k)
	c.val = v
}

func (c *boltCursor) interrupted() bool {
	if c.err != nil {
		c.ok = false
		return true
	}
	if err := c.op.checkForInterrupt(); err != nil {
		c.err = err
		c.ok = false
		return true
	}
	return false
}

func (c *boltCursor) Seek(key Slice) {
	if c.interrupted() {
		return
	}
	k, v := c.c.Seek(key.Bytes())
	if c.dir == Backward {
		if k == nil {
			k, v = c.c.Last()
		} else if !bytes.Equal(k, key.Bytes()) {
			k, v = c.c.Prev()
		}
	}
	c.set(k, v)
}

func (c *boltCursor) Advance() {
	invariant(c.ok, "%s: Advance on a cursor that is not positioned", c.d.ident)
	if c.interrupted() {
		return
	}
	k, v := c.c.Seek(c.key)
	if c.dir == Forward {
		if k != nil && bytes.Equal(k, c.key) {
			k, v = c.c.Next()
		}
	} else {
		if k == nil {
			k, v = c.c.Last()
		} else {
			k, v = c.c.Prev()
		}
	}
	c.set(k, v)
}

func (c *boltCursor) CurrKey() Slice {
	invariant(c.ok, "%s: CurrKey on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.key)
}

func (c *boltCursor) CurrVal() Slice {
	invariant(c.ok, "%s: CurrVal on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.val)
}

func (c *boltCursor) Close() {
	c.c = nil
	c.ok = false
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
