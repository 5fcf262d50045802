package kvdict

import (
	"errors"
	"fmt"
)

type Direction int8

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("invalid direction %d", int(d))
	}
}

// Stats are approximate; callers must not rely on their exactness.
type Stats struct {
	DataSize    int64
	StorageSize int64
	NumKeys     int64
}

// Dictionary is an ordered mapping of byte-string keys to byte-string values,
// ordered by its Comparator. The comparator must stay the same for the life
// of the stored data.
//
// Every call takes the current operation; values returned as borrowed Slices
// live until the operation's recovery unit commits or aborts.
type Dictionary interface {
	Name() string
	Comparator() Comparator

	// Get returns ErrNotFound for absent keys.
	Get(op *Op, key Slice) (Slice, error)

	// Insert upserts when overwrite is set; otherwise it fails with
	// ErrDuplicateKey if the key already exists.
	Insert(op *Op, key, value Slice, overwrite bool) error

	// Remove deletes key. Removing an absent key succeeds.
	Remove(op *Op, key Slice) error

	// Update applies msg to oldValue, which the caller asserts to be the
	// current value of key, and stores the result.
	Update(op *Op, key, oldValue Slice, msg UpdateMessage) error

	// UpdateCurrent fetches the current value (empty when absent) and then
	// behaves like Update.
	UpdateCurrent(op *Op, key Slice, msg UpdateMessage) error

	// Cursor returns a cursor positioned at the first key in dir.
	Cursor(op *Op, dir Direction) Cursor

	// CursorAt returns a cursor positioned at key, or at the nearest key in
	// dir when key is absent.
	CursorAt(op *Op, key Slice, dir Direction) Cursor

	Stats(op *Op) (Stats, error)
	CustomStats(op *Op) (map[string]any, error)

	// Compact is best effort; doing nothing is valid.
	Compact(op *Op) error

	// SetCustomOption fails with ErrBadValue for unknown options.
	SetCustomOption(op *Op, name string, value any) error
}

// Cursor is a positioned, directional iterator over a dictionary. It is
// Positioned while OK returns true and Exhausted afterwards; CurrKey,
// CurrVal and Advance panic unless Positioned.
//
// A Cursor belongs to the operation that created it. To use a position across
// operations, keep the key and re-seek (IndexCursor and RecordIterator do
// this for you).
type Cursor interface {
	Direction() Direction
	OK() bool

	// Seek positions at key, or at the nearest key in the cursor direction:
	// the first key >= key going forward, the last key <= key going backward.
	Seek(key Slice)

	Advance()
	CurrKey() Slice
	CurrVal() Slice

	// Err returns the engine error that exhausted the cursor, if any.
	Err() error
	Close()
}

// DefaultUpdate is the read-modify-write update: apply msg to oldValue and
// insert the result with overwrite. Engines without a native update path
// delegate here.
func DefaultUpdate(op *Op, d Dictionary, key, oldValue Slice, msg UpdateMessage) error {
	if debugChecks {
		cur, err := d.Get(op, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		invariant(cur.Equal(oldValue), "%s: Update called with a stale old value for key %s", d.Name(), key)
	}
	newValue, err := msg.Apply(oldValue)
	if err != nil {
		return dictErrf(d.Name(), key.Bytes(), err, "update")
	}
	return d.Insert(op, key, newValue, true)
}

// DefaultUpdateCurrent fetches the current value of key, treating an absent
// key as empty, and continues with d.Update.
func DefaultUpdateCurrent(op *Op, d Dictionary, key Slice, msg UpdateMessage) error {
	old, err := d.Get(op, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return d.Update(op, key, old, msg)
}

// checkCustomOption implements the options every engine understands.
func checkCustomOption(dict, name string) error {
	switch name {
	case "usePowerOf2Sizes":
		return nil
	default:
		return dictErrf(dict, nil, ErrBadValue, "unknown custom option %q", name)
	}
}
