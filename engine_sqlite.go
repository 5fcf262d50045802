package kvdict

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLiteOptions struct {
	Logger      *slog.Logger
	Verbose     bool
	BusyTimeout time.Duration
	ReadOnly    bool
}

const (
	DefaultSQLiteBusyTimeout = 5 * time.Second
	sqliteCatalogTable       = "kvdict_catalog"
	sqliteCursorBatch        = 64
)

// SQLiteEngine keeps each dictionary in a WITHOUT ROWID table keyed by a
// BLOB, which SQLite orders bytewise. A recovery unit owns one sql.Tx; a
// writer that loses a lock race gets ErrWriteConflict.
type SQLiteEngine struct {
	db       *sql.DB
	path     string
	logger   *slog.Logger
	verbose  bool
	counters *engineCounters
}

var _ Engine = (*SQLiteEngine)(nil)

func OpenSQLite(path string, o SQLiteOptions) (*SQLiteEngine, error) {
	if o.BusyTimeout == 0 {
		o.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.BusyTimeout.Milliseconds()))
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	if o.ReadOnly {
		q.Add("_pragma", "query_only(1)")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("kvdict: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if !o.ReadOnly {
		_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ` + sqliteCatalogTable + ` (ident TEXT PRIMARY KEY, entry BLOB NOT NULL)`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("kvdict: init catalog: %w", err)
		}
	}
	return &SQLiteEngine{
		db:       db,
		path:     path,
		logger:   orDefaultLogger(o.Logger),
		verbose:  o.Verbose,
		counters: newEngineCounters("sqlite"),
	}, nil
}

// DB returns the underlying database handle.
func (e *SQLiteEngine) DB() *sql.DB {
	return e.db
}

func (e *SQLiteEngine) Name() string { return "sqlite" }

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

func (e *SQLiteEngine) NewRecoveryUnit(readOnly bool) RecoveryUnit {
	return &sqliteRecoveryUnit{eng: e, id: uuid.New(), readOnly: readOnly}
}

func (e *SQLiteEngine) CreateDictionary(op *Op, ident string, cmp Comparator) error {
	if ident == "" {
		return fmt.Errorf("%w: empty dictionary ident", ErrBadValue)
	}
	tx, err := e.writableTx(op, ident)
	if err != nil {
		return err
	}
	ce, err := e.lookup(op, tx, ident)
	if err == nil {
		return ce.checkComparator(cmp)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	ce = newCatalogEntry(ident, cmp)
	_, err = tx.ExecContext(op.ctx, `INSERT INTO `+sqliteCatalogTable+` (ident, entry) VALUES (?, ?)`, ident, ce.encode())
	if err != nil {
		return dictErrf(ident, nil, mapSQLiteErr(err), "create")
	}
	_, err = tx.ExecContext(op.ctx, `CREATE TABLE IF NOT EXISTS `+sqliteTableName(ident)+` (k BLOB PRIMARY KEY, v BLOB) WITHOUT ROWID`)
	if err != nil {
		return dictErrf(ident, nil, mapSQLiteErr(err), "create")
	}
	if e.verbose {
		op.logger.LogAttrs(op.ctx, slog.LevelDebug, "kvdict: created dictionary", slog.String("dict", ident), slog.String("cmp", cmp.String()))
	}
	return nil
}

func (e *SQLiteEngine) OpenDictionary(op *Op, ident string, cmp Comparator) (Dictionary, error) {
	ce, err := e.LookupDictionary(op, ident)
	if err != nil {
		return nil, err
	}
	if err := ce.checkComparator(cmp); err != nil {
		return nil, err
	}
	return &sqliteDictionary{
		eng:   e,
		ident: ident,
		cmp:   cmp,
		table: sqliteTableName(ident),
	}, nil
}

func (e *SQLiteEngine) DropDictionary(op *Op, ident string) error {
	tx, err := e.writableTx(op, ident)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(op.ctx, `DELETE FROM `+sqliteCatalogTable+` WHERE ident = ?`, ident)
	if err != nil {
		return dictErrf(ident, nil, mapSQLiteErr(err), "drop")
	}
	_, err = tx.ExecContext(op.ctx, `DROP TABLE IF EXISTS `+sqliteTableName(ident))
	if err != nil {
		return dictErrf(ident, nil, mapSQLiteErr(err), "drop")
	}
	return nil
}

func (e *SQLiteEngine) LookupDictionary(op *Op, ident string) (CatalogEntry, error) {
	tx, err := e.tx(op)
	if err != nil {
		return CatalogEntry{}, err
	}
	return e.lookup(op, tx, ident)
}

func (e *SQLiteEngine) lookup(op *Op, tx *sql.Tx, ident string) (CatalogEntry, error) {
	var raw []byte
	err := tx.QueryRowContext(op.ctx, `SELECT entry FROM `+sqliteCatalogTable+` WHERE ident = ?`, ident).Scan(&raw)
	if err == sql.ErrNoRows {
		return CatalogEntry{}, dictErrf(ident, nil, ErrNotFound, "no such dictionary")
	} else if err != nil {
		return CatalogEntry{}, dictErrf(ident, nil, mapSQLiteErr(err), "lookup")
	}
	return decodeCatalogEntry(ident, raw)
}

func (e *SQLiteEngine) ListDictionaries(op *Op) ([]CatalogEntry, error) {
	tx, err := e.tx(op)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(op.ctx, `SELECT ident, entry FROM `+sqliteCatalogTable+` ORDER BY ident`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	var entries []CatalogEntry
	for rows.Next() {
		var ident string
		var raw []byte
		if err := rows.Scan(&ident, &raw); err != nil {
			return nil, mapSQLiteErr(err)
		}
		ce, err := decodeCatalogEntry(ident, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ce)
	}
	return entries, mapSQLiteErr(rows.Err())
}

func (e *SQLiteEngine) unit(op *Op) *sqliteRecoveryUnit {
	ru, ok := op.ru.(*sqliteRecoveryUnit)
	invariant(ok && ru.eng == e, "recovery unit %T does not belong to this sqlite engine", op.ru)
	return ru
}

func (e *SQLiteEngine) tx(op *Op) (*sql.Tx, error) {
	if err := op.checkForInterrupt(); err != nil {
		return nil, err
	}
	return e.unit(op).tx(op.ctx)
}

func (e *SQLiteEngine) writableTx(op *Op, ident string) (*sql.Tx, error) {
	ru := e.unit(op)
	if ru.readOnly {
		return nil, dictErrf(ident, nil, ErrReadOnly, "")
	}
	if err := op.checkForInterrupt(); err != nil {
		return nil, err
	}
	return ru.tx(op.ctx)
}

func sqliteTableName(ident string) string {
	return `"kv_` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// mapSQLiteErr turns lock contention into ErrWriteConflict and key
// constraint failures into ErrDuplicateKey.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			writeConflicts.Inc()
			return fmt.Errorf("%w: %w", ErrWriteConflict, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
		case sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %w", ErrReadOnly, err)
		}
	}
	return err
}

type sqliteRecoveryUnit struct {
	eng      *SQLiteEngine
	id       uuid.UUID
	readOnly bool
	stx      *sql.Tx
	changes  changeList
}

func (ru *sqliteRecoveryUnit) ID() uuid.UUID  { return ru.id }
func (ru *sqliteRecoveryUnit) ReadOnly() bool { return ru.readOnly }

func (ru *sqliteRecoveryUnit) RegisterChange(ch Change) {
	ru.changes = append(ru.changes, ch)
}

func (ru *sqliteRecoveryUnit) tx(ctx context.Context) (*sql.Tx, error) {
	if ru.stx != nil {
		return ru.stx, nil
	}
	stx, err := ru.eng.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	ru.stx = stx
	return stx, nil
}

func (ru *sqliteRecoveryUnit) Commit() error {
	stx := ru.stx
	ru.stx = nil
	if stx != nil {
		err := stx.Commit()
		if err != nil {
			ru.changes.rollbackAll()
			return mapSQLiteErr(err)
		}
	}
	ru.changes.commitAll()
	return nil
}

func (ru *sqliteRecoveryUnit) Abort() error {
	var err error
	if stx := ru.stx; stx != nil {
		ru.stx = nil
		err = stx.Rollback()
		if errors.Is(err, sql.ErrTxDone) {
			err = nil
		}
	}
	ru.changes.rollbackAll()
	return err
}

type sqliteDictionary struct {
	eng   *SQLiteEngine
	ident string
	cmp   Comparator
	table string
}

var _ Dictionary = (*sqliteDictionary)(nil)

func (d *sqliteDictionary) Name() string           { return d.ident }
func (d *sqliteDictionary) Comparator() Comparator { return d.cmp }

func (d *sqliteDictionary) Get(op *Op, key Slice) (Slice, error) {
	d.eng.counters.get.Inc()
	tx, err := d.eng.tx(op)
	if err != nil {
		return Slice{}, err
	}
	var v []byte
	err = tx.QueryRowContext(op.ctx, `SELECT v FROM `+d.table+` WHERE k = ?`, key.nonNilBytes()).Scan(&v)
	if err == sql.ErrNoRows {
		return Slice{}, dictErrf(d.ident, key.Bytes(), ErrNotFound, "")
	} else if err != nil {
		return Slice{}, dictErrf(d.ident, key.Bytes(), mapSQLiteErr(err), "get")
	}
	if v == nil {
		v = []byte{}
	}
	return OwnedSlice(v), nil
}

func (d *sqliteDictionary) Insert(op *Op, key, value Slice, overwrite bool) error {
	d.eng.counters.insert.Inc()
	tx, err := d.eng.writableTx(op, d.ident)
	if err != nil {
		return err
	}
	stmt := `INSERT INTO `
	if overwrite {
		stmt = `INSERT OR REPLACE INTO `
	}
	_, err = tx.ExecContext(op.ctx, stmt+d.table+` (k, v) VALUES (?, ?)`, key.nonNilBytes(), value.nonNilBytes())
	if err != nil {
		return dictErrf(d.ident, key.Bytes(), mapSQLiteErr(err), "insert")
	}
	return nil
}

func (d *sqliteDictionary) Remove(op *Op, key Slice) error {
	d.eng.counters.remove.Inc()
	tx, err := d.eng.writableTx(op, d.ident)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(op.ctx, `DELETE FROM `+d.table+` WHERE k = ?`, key.nonNilBytes())
	if err != nil {
		return dictErrf(d.ident, key.Bytes(), mapSQLiteErr(err), "delete")
	}
	return nil
}

func (d *sqliteDictionary) Update(op *Op, key, oldValue Slice, msg UpdateMessage) error {
	d.eng.counters.update.Inc()
	return DefaultUpdate(op, d, key, oldValue, msg)
}

func (d *sqliteDictionary) UpdateCurrent(op *Op, key Slice, msg UpdateMessage) error {
	return DefaultUpdateCurrent(op, d, key, msg)
}

func (d *sqliteDictionary) Stats(op *Op) (Stats, error) {
	tx, err := d.eng.tx(op)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	err = tx.QueryRowContext(op.ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(k) + LENGTH(v)), 0) FROM `+d.table).Scan(&st.NumKeys, &st.DataSize)
	if err != nil {
		return Stats{}, dictErrf(d.ident, nil, mapSQLiteErr(err), "stats")
	}
	err = tx.QueryRowContext(op.ctx, `SELECT COALESCE(SUM(pgsize), 0) FROM dbstat WHERE name = ?`, "kv_"+d.ident).Scan(&st.StorageSize)
	if err != nil {
		st.StorageSize = st.DataSize
	}
	return st, nil
}

func (d *sqliteDictionary) CustomStats(op *Op) (map[string]any, error) {
	tx, err := d.eng.tx(op)
	if err != nil {
		return nil, err
	}
	var pages, pageSize, freePages int64
	for _, p := range []struct {
		pragma string
		v      *int64
	}{
		{"page_count", &pages},
		{"page_size", &pageSize},
		{"freelist_count", &freePages},
	} {
		err := tx.QueryRowContext(op.ctx, `PRAGMA `+p.pragma).Scan(p.v)
		if err != nil {
			return nil, dictErrf(d.ident, nil, mapSQLiteErr(err), "pragma %s", p.pragma)
		}
	}
	return map[string]any{
		"engine":    "sqlite",
		"table":     d.table,
		"pageSize":  pageSize,
		"pageCount": pages,
		"freePages": freePages,
	}, nil
}

func (d *sqliteDictionary) Compact(op *Op) error {
	return nil
}

func (d *sqliteDictionary) SetCustomOption(op *Op, name string, value any) error {
	return checkCustomOption(d.ident, name)
}

func (d *sqliteDictionary) Cursor(op *Op, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	c.fetch(nil, true)
	return c
}

func (d *sqliteDictionary) CursorAt(op *Op, key Slice, dir Direction) Cursor {
	c := d.newCursor(op, dir)
	c.Seek(key)
	return c
}

// sqliteCursor reads rows in batches. Each batch is fully read before the
// next statement runs, so writes through the same transaction may interleave
// with iteration.
type sqliteCursor struct {
	d     *sqliteDictionary
	op    *Op
	dir   Direction
	batch []memItem
	pos   int
	more  bool
	err   error
}

func (d *sqliteDictionary) newCursor(op *Op, dir Direction) *sqliteCursor {
	invariant(dir == Forward || dir == Backward, "%s: invalid direction %d", d.ident, dir)
	d.eng.counters.cursor.Inc()
	return &sqliteCursor{d: d, op: op, dir: dir}
}

func (c *sqliteCursor) Direction() Direction { return c.dir }
func (c *sqliteCursor) OK() bool             { return c.pos < len(c.batch) }
func (c *sqliteCursor) Err() error           { return c.err }

// fetch loads the batch starting at from; nil from means the first key in the
// cursor direction.
func (c *sqliteCursor) fetch(from []byte, inclusive bool) {
	c.batch = c.batch[:0]
	c.pos = 0
	c.more = false
	if c.err != nil {
		return
	}
	tx, err := c.d.eng.tx(c.op)
	if err != nil {
		c.err = err
		return
	}

	var q strings.Builder
	q.WriteString(`SELECT k, v FROM `)
	q.WriteString(c.d.table)
	var args []any
	if from != nil {
		switch {
		case c.dir == Forward && inclusive:
			q.WriteString(` WHERE k >= ?`)
		case c.dir == Forward:
			q.WriteString(` WHERE k > ?`)
		case inclusive:
			q.WriteString(` WHERE k <= ?`)
		default:
			q.WriteString(` WHERE k < ?`)
		}
		args = append(args, from)
	}
	if c.dir == Forward {
		q.WriteString(` ORDER BY k ASC`)
	} else {
		q.WriteString(` ORDER BY k DESC`)
	}
	fmt.Fprintf(&q, ` LIMIT %d`, sqliteCursorBatch)

	rows, err := tx.QueryContext(c.op.ctx, q.String(), args...)
	if err != nil {
		c.err = dictErrf(c.d.ident, from, mapSQLiteErr(err), "scan")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var it memItem
		if err := rows.Scan(&it.key, &it.value); err != nil {
			c.err = dictErrf(c.d.ident, from, mapSQLiteErr(err), "scan")
			c.batch = c.batch[:0]
			return
		}
		if it.key == nil {
			it.key = []byte{}
		}
		if it.value == nil {
			it.value = []byte{}
		}
		c.batch = append(c.batch, it)
	}
	if err := rows.Err(); err != nil {
		c.err = dictErrf(c.d.ident, from, mapSQLiteErr(err), "scan")
		c.batch = c.batch[:0]
		return
	}
	c.more = len(c.batch) == sqliteCursorBatch
}

func (c *sqliteCursor) Seek(key Slice) {
	c.fetch(key.nonNilBytes(), true)
}

func (c *sqliteCursor) Advance() {
	invariant(c.OK(), "%s: Advance on a cursor that is not positioned", c.d.ident)
	c.pos++
	if c.pos < len(c.batch) || !c.more {
		return
	}
	last := bytes.Clone(c.batch[len(c.batch)-1].key)
	c.fetch(last, false)
}

func (c *sqliteCursor) CurrKey() Slice {
	invariant(c.OK(), "%s: CurrKey on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.batch[c.pos].key)
}

func (c *sqliteCursor) CurrVal() Slice {
	invariant(c.OK(), "%s: CurrVal on a cursor that is not positioned", c.d.ident)
	return MakeSlice(c.batch[c.pos].value)
}

func (c *sqliteCursor) Close() {
	c.batch = nil
	c.pos = 0
}
