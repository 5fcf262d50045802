package kvdict

import (
	"bytes"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
//
// Bounds are compared with the dictionary comparator; Prefix is a bytewise
// prefix of the stored keys.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

// RangeCursor iterates the keys of a dictionary that fall into a RawRange:
//
//	c := ScanRange(op, dict, RawIE(from, to))
//	defer c.Close()
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
type RangeCursor struct {
	rang   RawRange
	dict   Dictionary
	cmp    Comparator
	op     *Op
	cur    Cursor
	logger *slog.Logger
	init   bool
	done   bool
}

func ScanRange(op *Op, d Dictionary, rang RawRange) *RangeCursor {
	return &RangeCursor{rang: rang, dict: d, cmp: d.Comparator(), op: op, logger: op.logger}
}

func (c *RangeCursor) Next() bool {
	if c.done {
		return false
	}
	if c.init {
		c.cur.Advance()
	} else {
		c.init = true
		c.start()
	}
	if !c.cur.OK() || !c.match(c.cur.CurrKey().Bytes()) {
		c.done = true
		return false
	}
	return true
}

func (c *RangeCursor) start() {
	r := &c.rang
	if r.Reverse {
		c.cur = c.dict.Cursor(c.op, Backward)
		if r.Upper != nil {
			if r.Prefix != nil && !bytes.HasPrefix(r.Upper, r.Prefix) {
				panic("upper bound does not match prefix")
			}
			c.seek(r.Upper, !r.UpperInc)
		} else if r.Prefix != nil {
			if succ := prefixSuccessor(r.Prefix); succ != nil {
				c.seek(succ, true)
			}
		}
	} else {
		c.cur = c.dict.Cursor(c.op, Forward)
		if r.Lower != nil {
			if r.Prefix != nil && !bytes.HasPrefix(r.Lower, r.Prefix) {
				panic("lower bound does not match prefix")
			}
			c.seek(r.Lower, !r.LowerInc)
		} else if r.Prefix != nil {
			c.seek(r.Prefix, false)
		}
	}
}

func (c *RangeCursor) seek(bound []byte, skipEqual bool) {
	c.cur.Seek(MakeSlice(bound))
	if debugLogRawScans {
		c.logger.LogAttrs(c.op.ctx, slog.LevelDebug, "SEEK", hexAttr("bound", bound), slog.Bool("ok", c.cur.OK()))
	}
	if skipEqual && c.cur.OK() && c.cmp.Compare(c.cur.CurrKey().Bytes(), bound) == 0 {
		c.cur.Advance()
	}
}

func (c *RangeCursor) match(k []byte) bool {
	r := &c.rang
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			c.logger.LogAttrs(c.op.ctx, slog.LevelDebug, "BAIL on prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k))
		}
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := c.cmp.Compare(k, lower)
			if cmp < 0 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := c.cmp.Compare(k, upper)
			if cmp > 0 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

func (c *RangeCursor) Key() Slice   { return c.cur.CurrKey() }
func (c *RangeCursor) Value() Slice { return c.cur.CurrVal() }

// Err returns the engine error that ended the scan, if any.
func (c *RangeCursor) Err() error {
	if c.cur == nil {
		return nil
	}
	return c.cur.Err()
}

func (c *RangeCursor) Close() {
	if c.cur != nil {
		c.cur.Close()
	}
	c.done = true
}
