package kvdict

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpRows

	// DumpDocuments decodes the values of raw dictionaries as msgpack
	// documents where possible.
	DumpDocuments

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes every dictionary of eng.
func Dump(op *Op, eng Engine, f DumpFlags) (string, error) {
	var buf strings.Builder
	entries, err := eng.ListDictionaries(op)
	if err != nil {
		return "", err
	}
	for _, ce := range entries {
		cmp, err := ce.Cmp()
		if err != nil {
			return "", err
		}
		d, err := eng.OpenDictionary(op, ce.Ident, cmp)
		if err != nil {
			return "", err
		}
		err = DumpDictionary(&buf, op, d, f)
		if err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// DumpDictionary writes a human-readable listing of d to w. Structured keys
// are decoded.
func DumpDictionary(w io.Writer, op *Op, d Dictionary, f DumpFlags) error {
	prefix := d.Name()
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%v)\n", prefix, d.Comparator())
	}
	if f.Contains(DumpStats) {
		s, err := d.Stats(op)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s.stats: keys = %d, data_size = %d, storage_size = %d\n", prefix, s.NumKeys, s.DataSize, s.StorageSize)
	}
	if !f.Contains(DumpRows) {
		return nil
	}
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep2)
	}
	c := d.Cursor(op, Forward)
	defer c.Close()
	var rowPos int
	for ; c.OK(); c.Advance() {
		rowPos++
		dumpRow(w, prefix, f, d.Comparator(), rowPos, c.CurrKey().Bytes(), c.CurrVal().Bytes())
	}
	return c.Err()
}

func dumpRow(w io.Writer, prefix string, f DumpFlags, cmp Comparator, rowPos int, k, v []byte) {
	if cmp.Kind() != StructuredEntry {
		fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, rowPos, hexstr(k), dumpValue(f, v))
		return
	}
	key, loc, hasLoc, err := DecodeKeyString(k, cmp.Ordering())
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %s ** ERROR: %v\n", prefix, rowPos, hexstr(k), err)
		return
	}
	if hasLoc {
		fmt.Fprintf(w, "%s.%d: %v, %v\n", prefix, rowPos, key, loc)
		return
	}
	locs, err := decodeLocations(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %v => %s ** ERROR: %v\n", prefix, rowPos, key, hexstr(v), err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, rowPos, key, locs)
}

func dumpValue(f DumpFlags, v []byte) string {
	if f.Contains(DumpDocuments) && len(v) > 0 {
		var doc any
		if DecodeDocument(v, &doc) == nil {
			if j, err := json.Marshal(doc); err == nil {
				return string(j)
			}
		}
	}
	return hexstr(v)
}
