package kvdict

import (
	"bytes"
	"fmt"
	"time"
)

// Engine is the active storage engine: it owns dictionaries and hands out
// recovery units. Implementations: MemEngine, BoltEngine, SQLiteEngine.
type Engine interface {
	Name() string

	// NewRecoveryUnit starts a unit of work. Writes through a read-only unit
	// fail with ErrReadOnly.
	NewRecoveryUnit(readOnly bool) RecoveryUnit

	// CreateDictionary creates ident with comparator cmp. Creating an
	// existing dictionary with the same comparator is a no-op; a different
	// comparator fails with ErrBadValue.
	CreateDictionary(op *Op, ident string, cmp Comparator) error

	// OpenDictionary opens an existing dictionary. The persisted comparator
	// must equal cmp.
	OpenDictionary(op *Op, ident string, cmp Comparator) (Dictionary, error)

	// DropDictionary removes ident and its data. Dropping an absent
	// dictionary succeeds.
	DropDictionary(op *Op, ident string) error

	// LookupDictionary returns the catalog entry of ident, or ErrNotFound.
	LookupDictionary(op *Op, ident string) (CatalogEntry, error)

	ListDictionaries(op *Op) ([]CatalogEntry, error)

	Close() error
}

// CatalogEntry is what an engine persists about each dictionary.
type CatalogEntry struct {
	Ident      string    `msgpack:"-"`
	Comparator []byte    `msgpack:"c"`
	Created    time.Time `msgpack:"t"`
}

func newCatalogEntry(ident string, cmp Comparator) CatalogEntry {
	return CatalogEntry{
		Ident:      ident,
		Comparator: cmp.Serialize(),
		Created:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Cmp deserializes the stored comparator.
func (ce CatalogEntry) Cmp() (Comparator, error) {
	return DeserializeComparator(ce.Comparator)
}

func (ce CatalogEntry) encode() []byte {
	return must(encodeMsgPack(nil, &ce))
}

func decodeCatalogEntry(ident string, data []byte) (CatalogEntry, error) {
	var ce CatalogEntry
	err := decodeMsgPack(data, &ce)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("catalog entry %q: %w", ident, err)
	}
	ce.Ident = ident
	return ce, nil
}

// checkComparator verifies that an existing catalog entry was created with
// cmp.
func (ce CatalogEntry) checkComparator(cmp Comparator) error {
	if !bytes.Equal(ce.Comparator, cmp.Serialize()) {
		stored, err := ce.Cmp()
		if err != nil {
			return err
		}
		return dictErrf(ce.Ident, nil, ErrBadValue, "comparator mismatch: stored %v, requested %v", stored, cmp)
	}
	return nil
}
