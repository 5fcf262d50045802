package kvdict

import (
	"bytes"
	"slices"
)

// IndexCursor iterates the (key, location) entries of a SortedIndex in one
// direction. A unique key holding several locations yields one entry per
// location, in cursor direction.
//
// A new cursor is positioned lazily at the first entry in its direction. To
// keep a cursor across operations, call SavePosition and then RestorePosition
// with the new operation.
type IndexCursor struct {
	ix  *SortedIndex
	op  *Op
	dir Direction
	cur Cursor

	init bool
	eof  bool
	err  error

	keyStr []byte
	key    Key
	locs   []RecordID
	pos    int

	saved    bool
	savedKey []byte
	savedLoc RecordID
}

func (ix *SortedIndex) NewCursor(op *Op, dir Direction) *IndexCursor {
	invariant(dir == Forward || dir == Backward, "%s: invalid direction %d", ix.desc.Name, dir)
	return &IndexCursor{ix: ix, op: op, dir: dir}
}

func (c *IndexCursor) Direction() Direction { return c.dir }

func (c *IndexCursor) initialize() {
	if c.init {
		return
	}
	c.init = true
	invariant(c.op != nil, "%s: cursor used while saved", c.ix.desc.Name)
	c.cur = c.ix.dict.Cursor(c.op, c.dir)
	c.load()
}

// load reads the entry under the dictionary cursor.
func (c *IndexCursor) load() {
	c.key = nil
	if !c.cur.OK() {
		c.eof = true
		c.err = c.cur.Err()
		c.keyStr, c.locs = nil, nil
		return
	}
	ks, locs, err := c.ix.decodeEntry(c.cur.CurrKey().Bytes(), c.cur.CurrVal().Bytes())
	if err != nil {
		c.eof = true
		c.err = err
		c.keyStr, c.locs = nil, nil
		return
	}
	c.eof = false
	c.keyStr = append(c.keyStr[:0], ks...)
	c.locs = locs
	if c.dir == Forward {
		c.pos = 0
	} else {
		c.pos = len(locs) - 1
	}
}

func (c *IndexCursor) reposition(seek []byte) {
	if c.cur != nil {
		c.cur.Close()
	}
	c.init = true
	c.err = nil
	c.cur = c.ix.dict.CursorAt(c.op, MakeSlice(seek), c.dir)
	c.load()
}

// EOF reports whether the cursor is exhausted.
func (c *IndexCursor) EOF() bool {
	c.initialize()
	return c.eof
}

// Err returns the error that exhausted the cursor, if any.
func (c *IndexCursor) Err() error {
	return c.err
}

// Key returns the current key with field names stripped, or nil at EOF.
func (c *IndexCursor) Key() Key {
	if c.EOF() {
		return nil
	}
	if c.key == nil {
		key, _, err := decodeKeyString(c.keyStr, c.ix.desc.Ordering)
		ensure(err)
		c.key = key
	}
	return c.key
}

// KeyString returns the encoded current key, or nil at EOF.
func (c *IndexCursor) KeyString() []byte {
	if c.EOF() {
		return nil
	}
	return c.keyStr
}

// RecordID returns the current location, or NullRecordID at EOF.
func (c *IndexCursor) RecordID() RecordID {
	if c.EOF() {
		return NullRecordID
	}
	return c.locs[c.pos]
}

// Advance moves to the next entry in cursor direction. Advancing an
// exhausted cursor does nothing.
func (c *IndexCursor) Advance() error {
	if c.EOF() {
		return c.err
	}
	c.pos += int(c.dir)
	if c.pos >= 0 && c.pos < len(c.locs) {
		return nil
	}
	c.cur.Advance()
	c.load()
	return c.err
}

// Locate positions the cursor at (key, loc) or at the nearest entry after it
// in cursor direction, and reports whether the entry found is exactly
// (key, loc).
func (c *IndexCursor) Locate(key Key, loc RecordID) (bool, error) {
	ks, err := c.ix.encodeKey(key)
	if err != nil {
		return false, err
	}
	defer releaseKeyBytes(ks)
	err = c.locate(ks, loc)
	if err != nil {
		return false, err
	}
	return !c.eof && c.locs[c.pos] == loc && bytes.Equal(c.keyStr, ks), nil
}

func (c *IndexCursor) locate(ks []byte, loc RecordID) error {
	invariant(c.op != nil, "%s: cursor used while saved", c.ix.desc.Name)
	if !c.ix.desc.Unique {
		seek := loc.appendTo(ks)
		c.reposition(seek)
		return c.err
	}

	c.reposition(ks)
	if c.eof || !bytes.Equal(c.keyStr, ks) {
		return c.err
	}
	// Within a location set, find the first location not before loc.
	if c.dir == Forward {
		c.pos, _ = slices.BinarySearch(c.locs, loc)
		if c.pos < len(c.locs) {
			return nil
		}
	} else {
		i, found := slices.BinarySearch(c.locs, loc)
		if !found {
			i--
		}
		c.pos = i
		if c.pos >= 0 {
			return nil
		}
	}
	c.cur.Advance()
	c.load()
	return c.err
}

// AdvanceTo positions the cursor at the boundary described by a partial key:
// the first keyBeginLen fields of keyBegin, then (unless afterKey) the fields
// of keyEnd from keyBeginLen on, each inclusive or exclusive per
// keyEndInclusive. The boundary stops at the first exclusive field.
// Exclusive boundaries skip every key that matches them; inclusive ones
// land on the first matching key in cursor direction.
func (c *IndexCursor) AdvanceTo(keyBegin Key, keyBeginLen int, afterKey bool, keyEnd []any, keyEndInclusive []bool) error {
	seek, err := buildIndexBoundary(c.ix.desc.Ordering, c.dir, keyBegin, keyBeginLen, afterKey, keyEnd, keyEndInclusive)
	if err != nil {
		return dictErrf(c.ix.desc.Name, nil, err, "boundary")
	}
	invariant(c.op != nil, "%s: cursor used while saved", c.ix.desc.Name)
	c.reposition(seek)
	return c.err
}

// CustomLocate positions the cursor exactly like AdvanceTo.
func (c *IndexCursor) CustomLocate(keyBegin Key, keyBeginLen int, afterKey bool, keyEnd []any, keyEndInclusive []bool) error {
	return c.AdvanceTo(keyBegin, keyBeginLen, afterKey, keyEnd, keyEndInclusive)
}

func buildIndexBoundary(ord Ordering, dir Direction, keyBegin Key, keyBeginLen int, afterKey bool, keyEnd []any, keyEndInclusive []bool) ([]byte, error) {
	invariant(keyBeginLen >= 0 && keyBeginLen <= len(keyBegin), "keyBeginLen %d out of range for %d fields", keyBeginLen, len(keyBegin))
	invariant(len(keyEnd) == len(keyEndInclusive), "keyEnd has %d fields, keyEndInclusive has %d", len(keyEnd), len(keyEndInclusive))
	var buf []byte
	var err error
	field := 0
	for ; field < keyBeginLen; field++ {
		buf, err = appendKeyField(buf, keyBegin[field].Value, ord.Descending(field))
		if err != nil {
			return nil, err
		}
	}
	exclusive := afterKey
	if !afterKey {
		for ; field < len(keyEnd); field++ {
			buf, err = appendKeyField(buf, keyEnd[field], ord.Descending(field))
			if err != nil {
				return nil, err
			}
			if !keyEndInclusive[field] {
				exclusive = true
				break
			}
		}
	}
	// A bare field prefix sorts before every key it starts; keyAfter sorts
	// after all of them.
	if exclusive == (dir == Forward) {
		buf = append(buf, keyAfter)
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// PointsToSamePlaceAs reports whether both cursors are at the same entry.
// Two exhausted cursors point to the same place.
func (c *IndexCursor) PointsToSamePlaceAs(other *IndexCursor) bool {
	return c.RecordID() == other.RecordID() && bytes.Equal(c.KeyString(), other.KeyString())
}

// SavePosition remembers the current entry and releases the dictionary
// cursor along with the operation.
func (c *IndexCursor) SavePosition() {
	c.initialize()
	c.saved = true
	if c.eof {
		c.savedKey, c.savedLoc = nil, NullRecordID
	} else {
		c.savedKey = bytes.Clone(c.keyStr)
		c.savedLoc = c.locs[c.pos]
	}
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	c.op = nil
}

// RestorePosition re-seeks the saved entry under op. If the entry is gone,
// the cursor lands on the next one in its direction. A cursor saved while
// exhausted stays exhausted.
func (c *IndexCursor) RestorePosition(op *Op) error {
	invariant(c.saved && c.op == nil, "%s: RestorePosition without SavePosition", c.ix.desc.Name)
	c.op = op
	c.saved = false
	c.init = true
	if c.savedKey == nil {
		invariant(c.savedLoc.IsNull(), "%s: saved an empty key with location %v", c.ix.desc.Name, c.savedLoc)
		c.eof = true
		return c.err
	}
	err := c.locate(c.savedKey, c.savedLoc)
	c.savedKey = nil
	return err
}

func (c *IndexCursor) Close() {
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	c.eof = true
	c.init = true
}
