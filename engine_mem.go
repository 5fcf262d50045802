package kvdict

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/kvdict/journal"
	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

type MemOptions struct {
	// JournalDir enables the write-ahead journal. Without it the engine is
	// transient.
	JournalDir         string
	JournalMaxFileSize int64
	JournalSync        bool

	BTreeDegree int

	// ReadOnly makes every recovery unit read-only.
	ReadOnly bool

	Logger  *slog.Logger
	Verbose bool
}

const defaultBTreeDegree = 32

// MemEngine keeps every dictionary in an ordered B-tree driven by the
// dictionary comparator.
//
// Writes apply in place and register undo changes on the recovery unit. The
// first recovery unit to write a key holds it until commit or abort; other
// writers get ErrWriteConflict. Committed units are appended to the journal
// when one is configured, and replayed on open.
//
// There is no snapshot isolation: readers in other recovery units see
// uncommitted writes, and a cursor sees the tree as of its last
// (re)positioning. A dictionary created by a unit that has not committed yet
// is visible only to that unit; CreateDictionary and DropDictionary are
// journaled on commit and undone on abort.
type MemEngine struct {
	logger   *slog.Logger
	verbose  bool
	readOnly bool
	degree   int
	dicts    *xsync.MapOf[string, *memDictionary]
	locks    *xsync.MapOf[uint64, *memRecoveryUnit]
	journal  *journal.Journal
	counters *engineCounters
	ddlLock  sync.Mutex
	closed   atomic.Bool
}

var _ Engine = (*MemEngine)(nil)

// NewMemEngine returns a transient memory engine.
func NewMemEngine() *MemEngine {
	return must(OpenMem(MemOptions{}))
}

func OpenMem(o MemOptions) (*MemEngine, error) {
	if o.BTreeDegree == 0 {
		o.BTreeDegree = defaultBTreeDegree
	}
	e := &MemEngine{
		logger:   orDefaultLogger(o.Logger),
		verbose:  o.Verbose,
		readOnly: o.ReadOnly,
		degree:   o.BTreeDegree,
		dicts:    xsync.NewMapOf[string, *memDictionary](),
		locks:    xsync.NewMapOf[uint64, *memRecoveryUnit](),
		counters: newEngineCounters("memory"),
	}
	if o.JournalDir != "" {
		j, err := journal.Open(o.JournalDir, journal.Options{
			FileName:    "kvdict-*.wal",
			MaxFileSize: o.JournalMaxFileSize,
			DebugName:   "kvdict",
			Sync:        o.JournalSync,
			Logger:      e.logger,
			Verbose:     o.Verbose,
		})
		if err != nil {
			return nil, err
		}
		start := time.Now()
		err = j.Replay(e.replay)
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("kvdict: journal replay: %w", err)
		}
		e.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: journal replayed", slog.String("dir", o.JournalDir), slog.Uint64("records", j.RecordCount()), slog.Duration("elapsed", time.Since(start)))
		e.journal = j
	}
	return e, nil
}

func (e *MemEngine) Name() string { return "memory" }

func (e *MemEngine) NewRecoveryUnit(readOnly bool) RecoveryUnit {
	return &memRecoveryUnit{eng: e, id: uuid.New(), readOnly: readOnly || e.readOnly}
}

func (e *MemEngine) CreateDictionary(op *Op, ident string, cmp Comparator) error {
	ru, err := e.checkDDL(op, ident)
	if err != nil {
		return err
	}
	e.ddlLock.Lock()
	defer e.ddlLock.Unlock()

	if d, ok := e.dicts.Load(ident); ok {
		if err := d.checkVisible(ru); err != nil {
			return err
		}
		return d.entry.checkComparator(cmp)
	}
	ce := newCatalogEntry(ident, cmp)
	d := e.newDictionary(ce, cmp)
	d.creator.Store(ru)
	e.dicts.Store(ident, d)
	ru.ddl = append(ru.ddl, appendCreateRecord(nil, ce))
	ru.RegisterChange(&memCatalogChange{d: d, created: true})
	if e.verbose {
		op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: created dictionary", slog.String("dict", ident), slog.String("cmp", cmp.String()))
	}
	return nil
}

func (e *MemEngine) OpenDictionary(op *Op, ident string, cmp Comparator) (Dictionary, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	d, ok := e.dicts.Load(ident)
	if !ok {
		return nil, dictErrf(ident, nil, ErrNotFound, "no such dictionary")
	}
	if err := d.checkVisible(op.ru); err != nil {
		return nil, err
	}
	if err := d.entry.checkComparator(cmp); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *MemEngine) DropDictionary(op *Op, ident string) error {
	ru, err := e.checkDDL(op, ident)
	if err != nil {
		return err
	}
	e.ddlLock.Lock()
	defer e.ddlLock.Unlock()

	d, ok := e.dicts.Load(ident)
	if !ok {
		return nil
	}
	if err := d.checkVisible(ru); err != nil {
		return err
	}
	e.dicts.Delete(ident)
	d.setDropped(true)
	ru.ddl = append(ru.ddl, appendDropRecord(nil, ident))
	ru.RegisterChange(&memCatalogChange{d: d})
	return nil
}

func (e *MemEngine) LookupDictionary(op *Op, ident string) (CatalogEntry, error) {
	d, ok := e.dicts.Load(ident)
	if !ok {
		return CatalogEntry{}, dictErrf(ident, nil, ErrNotFound, "no such dictionary")
	}
	return d.entry, nil
}

func (e *MemEngine) ListDictionaries(op *Op) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	e.dicts.Range(func(ident string, d *memDictionary) bool {
		entries = append(entries, d.entry)
		return true
	})
	slices.SortFunc(entries, func(a, b CatalogEntry) int {
		return strings.Compare(a.Ident, b.Ident)
	})
	return entries, nil
}

func (e *MemEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.journal != nil {
		return e.journal.Close()
	}
	return nil
}

func (e *MemEngine) checkDDL(op *Op, ident string) (*memRecoveryUnit, error) {
	ru, ok := op.ru.(*memRecoveryUnit)
	invariant(ok && ru.eng == e, "%s: recovery unit %T does not belong to this memory engine", ident, op.ru)
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if ident == "" {
		return nil, fmt.Errorf("%w: empty dictionary ident", ErrBadValue)
	}
	if ru.readOnly {
		return nil, dictErrf(ident, nil, ErrReadOnly, "")
	}
	return ru, nil
}

// memCatalogChange undoes CreateDictionary or DropDictionary.
type memCatalogChange struct {
	d       *memDictionary
	created bool
}

func (c *memCatalogChange) Commit() {
	c.d.creator.Store(nil)
}

func (c *memCatalogChange) Rollback() {
	e := c.d.eng
	e.ddlLock.Lock()
	defer e.ddlLock.Unlock()
	if c.created {
		if cur, ok := e.dicts.Load(c.d.ident); ok && cur == c.d {
			e.dicts.Delete(c.d.ident)
		}
		c.d.setDropped(true)
	} else {
		c.d.setDropped(false)
		e.dicts.Store(c.d.ident, c.d)
	}
}

func (e *MemEngine) newDictionary(ce CatalogEntry, cmp Comparator) *memDictionary {
	return &memDictionary{
		eng:   e,
		ident: ce.Ident,
		cmp:   cmp,
		entry: ce,
		tree: btree.NewG(e.degree, func(a, b memItem) bool {
			return cmp.Compare(a.key, b.key) < 0
		}),
		keySizes:   gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
		valueSizes: gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
	}
}

func (e *MemEngine) replay(ts time.Time, data []byte) error {
	rec, err := decodeJournalRecord(data)
	if err != nil {
		return err
	}
	switch rec.kind {
	case journalCreate:
		cmp, err := rec.entry.Cmp()
		if err != nil {
			return err
		}
		e.dicts.Store(rec.entry.Ident, e.newDictionary(rec.entry, cmp))
	case journalDrop:
		e.dicts.Delete(rec.ident)
	case journalCommit:
		for _, m := range rec.muts {
			d, ok := e.dicts.Load(m.dict)
			if !ok {
				return dictErrf(m.dict, m.key, ErrCorrupted, "journaled %v into unknown dictionary", m.op)
			}
			d.apply(m)
		}
	}
	return nil
}

type memRecoveryUnit struct {
	eng      *MemEngine
	id       uuid.UUID
	readOnly bool
	changes  changeList
	ddl      [][]byte
	redo     []mutation
	locked   []uint64
}

func (ru *memRecoveryUnit) ID() uuid.UUID  { return ru.id }
func (ru *memRecoveryUnit) ReadOnly() bool { return ru.readOnly }

func (ru *memRecoveryUnit) RegisterChange(ch Change) {
	ru.changes = append(ru.changes, ch)
}

func (ru *memRecoveryUnit) Commit() error {
	var err error
	if ru.eng.journal != nil {
		for _, rec := range ru.ddl {
			if err = ru.eng.journal.Append(rec); err != nil {
				break
			}
		}
		if err == nil && len(ru.redo) > 0 {
			err = ru.eng.journal.Append(appendCommitRecord(nil, ru.redo))
		}
	}
	if err != nil {
		ru.eng.logger.LogAttrs(context.Background(), slog.LevelError, "kvdict: journal append failed, rolling back", slog.String("ru", ru.id.String()), slog.Any("err", err))
		ru.changes.rollbackAll()
	} else {
		if ru.eng.verbose && len(ru.redo) > 0 {
			ru.eng.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: commit", slog.String("ru", ru.id.String()), slog.Int("mutations", len(ru.redo)))
		}
		ru.changes.commitAll()
	}
	ru.release()
	return err
}

func (ru *memRecoveryUnit) Abort() error {
	ru.changes.rollbackAll()
	ru.release()
	return nil
}

func (ru *memRecoveryUnit) release() {
	for _, h := range ru.locked {
		ru.eng.locks.Delete(h)
	}
	ru.locked = ru.locked[:0]
	ru.ddl = nil
	ru.redo = nil
}

func (ru *memRecoveryUnit) lockKey(d *memDictionary, key []byte) error {
	h := d.lockHash(key)
	owner, loaded := ru.eng.locks.LoadOrStore(h, ru)
	if !loaded {
		ru.locked = append(ru.locked, h)
	} else if owner != ru {
		writeConflicts.Inc()
		return dictErrf(d.ident, key, ErrWriteConflict, "locked by %v", owner.id)
	}
	return nil
}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) size() int64 {
	return int64(len(it.key) + len(it.value))
}

type memDictionary struct {
	eng   *MemEngine
	ident string
	cmp   Comparator
	entry CatalogEntry

	// set until the creating recovery unit commits
	creator atomic.Pointer[memRecoveryUnit]

	mu       sync.RWMutex
	tree     *btree.BTreeG[memItem]
	dataSize int64
	dropped  bool

	keySizes   gometrics.Histogram
	valueSizes gometrics.Histogram
}

var _ Dictionary = (*memDictionary)(nil)

func (d *memDictionary) Name() string           { return d.ident }
func (d *memDictionary) Comparator() Comparator { return d.cmp }

func (d *memDictionary) checkVisible(ru RecoveryUnit) error {
	if c := d.creator.Load(); c != nil && RecoveryUnit(c) != ru {
		return dictErrf(d.ident, nil, ErrWriteConflict, "created by uncommitted %v", c.id)
	}
	return nil
}

func (d *memDictionary) setDropped(v bool) {
	d.mu.Lock()
	d.dropped = v
	d.mu.Unlock()
}

func (d *memDictionary) lockHash(key []byte) uint64 {
	var h xxhash.Digest
	h.Reset()
	h.WriteString(d.ident)
	h.Write([]byte{0})
	h.Write(key)
	return h.Sum64()
}

func (d *memDictionary) writableUnit(op *Op) (*memRecoveryUnit, error) {
	ru, ok := op.ru.(*memRecoveryUnit)
	invariant(ok && ru.eng == d.eng, "%s: recovery unit %T does not belong to this memory engine", d.ident, op.ru)
	if d.eng.closed.Load() {
		return nil, ErrClosed
	}
	if ru.readOnly {
		return nil, dictErrf(d.ident, nil, ErrReadOnly, "")
	}
	if err := op.checkForInterrupt(); err != nil {
		return nil, err
	}
	if err := d.checkVisible(ru); err != nil {
		return nil, err
	}
	d.mu.RLock()
	dropped := d.dropped
	d.mu.RUnlock()
	if dropped {
		return nil, dictErrf(d.ident, nil, ErrNotFound, "dictionary dropped")
	}
	return ru, nil
}

func (d *memDictionary) replaceLocked(it memItem) (memItem, bool) {
	old, existed := d.tree.ReplaceOrInsert(it)
	if existed {
		d.dataSize -= old.size()
	}
	d.dataSize += it.size()
	return old, existed
}

func (d *memDictionary) deleteLocked(key []byte) (memItem, bool) {
	old, existed := d.tree.Delete(memItem{key: key})
	if existed {
		d.dataSize -= old.size()
	}
	return old, existed
}

func (d *memDictionary) apply(m mutation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch m.op {
	case OpPut:
		d.replaceLocked(memItem{bytes.Clone(m.key), bytes.Clone(m.value)})
	case OpDelete:
		d.deleteLocked(m.key)
	}
}

func (d *memDictionary) Get(op *Op, key Slice) (Slice, error) {
	d.eng.counters.get.Inc()
	if err := op.checkForInterrupt(); err != nil {
		return Slice{}, err
	}
	d.mu.RLock()
	it, found := d.tree.Get(memItem{key: key.Bytes()})
	d.mu.RUnlock()
	if !found {
		return Slice{}, dictErrf(d.ident, key.Bytes(), ErrNotFound, "")
	}
	return MakeSlice(it.value), nil
}

func (d *memDictionary) Insert(op *Op, key, value Slice, overwrite bool) error {
	d.eng.counters.insert.Inc()
	ru, err := d.writableUnit(op)
	if err != nil {
		return err
	}
	err = ru.lockKey(d, key.Bytes())
	if err != nil {
		return err
	}

	it := memItem{bytes.Clone(key.Bytes()), bytes.Clone(value.nonNilBytes())}

	d.mu.Lock()
	if !overwrite && d.tree.Has(it) {
		d.mu.Unlock()
		return dictErrf(d.ident, it.key, ErrDuplicateKey, "insert")
	}
	old, existed := d.replaceLocked(it)
	d.mu.Unlock()

	ru.RegisterChange(&memUndo{d: d, key: it.key, old: old, existed: existed})
	ru.redo = append(ru.redo, mutation{OpPut, d.ident, it.key, it.value})
	d.keySizes.Update(int64(len(it.key)))
	d.valueSizes.Update(int64(len(it.value)))
	return nil
}

func (d *memDictionary) Remove(op *Op, key Slice) error {
	d.eng.counters.remove.Inc()
	ru, err := d.writableUnit(op)
	if err != nil {
		return err
	}
	err = ru.lockKey(d, key.Bytes())
	if err != nil {
		return err
	}

	d.mu.Lock()
	old, existed := d.deleteLocked(key.Bytes())
	d.mu.Unlock()
	if !existed {
		return nil
	}

	ru.RegisterChange(&memUndo{d: d, key: old.key, old: old, existed: true})
	ru.redo = append(ru.redo, mutation{op: OpDelete, dict: d.ident, key: old.key})
	return nil
}

func (d *memDictionary) Update(op *Op, key, oldValue Slice, msg UpdateMessage) error {
	d.eng.counters.update.Inc()
	return DefaultUpdate(op, d, key, oldValue, msg)
}

func (d *memDictionary) UpdateCurrent(op *Op, key Slice, msg UpdateMessage) error {
	return DefaultUpdateCurrent(op, d, key, msg)
}

func (d *memDictionary) Cursor(op *Op, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	c.first()
	return c
}

func (d *memDictionary) CursorAt(op *Op, key Slice, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	c.Seek(key)
	return c
}

func (d *memDictionary) Stats(op *Op) (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := int64(d.tree.Len())
	return Stats{
		DataSize:    d.dataSize,
		StorageSize: d.dataSize + n*memItemOverhead,
		NumKeys:     n,
	}, nil
}

// memItemOverhead approximates the per-entry bookkeeping of the tree.
const memItemOverhead = 48

func (d *memDictionary) CustomStats(op *Op) (map[string]any, error) {
	return map[string]any{
		"engine":        "memory",
		"btreeDegree":   d.eng.degree,
		"writes":        d.valueSizes.Count(),
		"keySizeMean":   d.keySizes.Mean(),
		"keySizeMax":    d.keySizes.Max(),
		"valueSizeMean": d.valueSizes.Mean(),
		"valueSizeP99":  d.valueSizes.Percentile(0.99),
		"valueSizeMax":  d.valueSizes.Max(),
	}, nil
}

func (d *memDictionary) Compact(op *Op) error {
	return nil
}

func (d *memDictionary) SetCustomOption(op *Op, name string, value any) error {
	return checkCustomOption(d.ident, name)
}

func (d *memDictionary) snapshot() *btree.BTreeG[memItem] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tree.Clone()
}

// memUndo restores the state of one key on rollback.
type memUndo struct {
	d       *memDictionary
	key     []byte
	old     memItem
	existed bool
}

func (u *memUndo) Commit() {}

func (u *memUndo) Rollback() {
	u.d.mu.Lock()
	defer u.d.mu.Unlock()
	if u.existed {
		u.d.replaceLocked(u.old)
	} else {
		u.d.deleteLocked(u.key)
	}
}

// memCursor walks a copy-on-write clone of the tree taken whenever it is
// positioned, so it sees a consistent view between seeks.
type memCursor struct {
	d    *memDictionary
	op   *Op
	dir  Direction
	snap *btree.BTreeG[memItem]
	curr memItem
	ok   bool
	err  error
}

func (d *memDictionary) newCursor(op *Op, dir Direction) *memCursor {
	invariant(dir == Forward || dir == Backward, "%s: invalid direction %d", d.ident, dir)
	d.eng.counters.cursor.Inc()
	return &memCursor{d: d, op: op, dir: dir}
}

func (c *memCursor) Direction() Direction { return c.dir }
func (c *memCursor) OK() bool             { return c.ok }
func (c *memCursor) Err() error           { return c.err }

func (c *memCursor) interrupted() bool {
	if err := c.op.checkForInterrupt(); err != nil {
		c.err = err
		c.ok = false
		return true
	}
	return false
}

func (c *memCursor) first() {
	if c.interrupted() {
		return
	}
	c.snap = c.d.snapshot()
	if c.dir == Forward {
		c.curr, c.ok = c.snap.Min()
	} else {
		c.curr, c.ok = c.snap.Max()
	}
}

func (c *memCursor) Seek(key Slice) {
	if c.interrupted() {
		return
	}
	c.snap = c.d.snapshot()
	c.ok = false
	pivot := memItem{key: key.Bytes()}
	visit := func(it memItem) bool {
		c.curr, c.ok = it, true
		return false
	}
	if c.dir == Forward {
		c.snap.AscendGreaterOrEqual(pivot, visit)
	} else {
		c.snap.DescendLessOrEqual(pivot, visit)
	}
}

func (c *memCursor) Advance() {
	invariant(c.ok, "%s: Advance on a cursor that is not positioned", c.d.ident)
	if c.interrupted() {
		return
	}
	pivot := c.curr
	c.ok = false
	visit := func(it memItem) bool {
		if c.d.cmp.Compare(it.key, pivot.key) == 0 {
			return true
		}
		c.curr, c.ok = it, true
		return false
	}
	if c.dir == Forward {
		c.snap.AscendGreaterOrEqual(pivot, visit)
	} else {
		c.snap.DescendLessOrEqual(pivot, visit)
	}
}

func (c *memCursor) CurrKey() Slice {
	invariant(c.ok, "%s: CurrKey on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.curr.key)
}

func (c *memCursor) CurrVal() Slice {
	invariant(c.ok, "%s: CurrVal on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.curr.value)
}

func (c *memCursor) Close() {
	c.snap = nil
	c.ok = false
}
