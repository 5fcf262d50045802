package kvdict

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Ordering gives the direction of each key field: bit i set means field i
// sorts descending.
type Ordering uint32

// MakeOrdering builds an Ordering from per-field descending flags.
func MakeOrdering(descending ...bool) Ordering {
	invariant(len(descending) <= MaxKeyFields, "ordering has %d fields", len(descending))
	var o Ordering
	for i, d := range descending {
		if d {
			o |= 1 << i
		}
	}
	return o
}

func (o Ordering) Descending(field int) bool {
	return field < MaxKeyFields && o&(1<<field) != 0
}

func (o Ordering) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i := range MaxKeyFields {
		if o>>i == 0 {
			break
		}
		if i > 0 {
			buf.WriteString(", ")
		}
		if o.Descending(i) {
			buf.WriteString("-1")
		} else {
			buf.WriteString("1")
		}
	}
	buf.WriteByte('}')
	return buf.String()
}

type ComparatorKind uint8

const (
	// RawBytes orders keys by unsigned bytewise comparison, shorter first.
	RawBytes ComparatorKind = iota
	// StructuredEntry orders keys as decoded (key, location) index entries.
	StructuredEntry
)

func (k ComparatorKind) String() string {
	switch k {
	case RawBytes:
		return "raw"
	case StructuredEntry:
		return "structured"
	default:
		return fmt.Sprintf("invalid comparator kind %d", int(k))
	}
}

const structuredComparatorSize = 5

// Comparator is the ordering rule attached to a dictionary. It is a small
// immutable value; the zero value is the RawBytes comparator.
type Comparator struct {
	kind     ComparatorKind
	ordering Ordering
	unique   bool
}

func RawBytesComparator() Comparator {
	return Comparator{kind: RawBytes}
}

// StructuredComparator orders index entries by their fields per ord. With
// unique set, the trailing location is ignored.
func StructuredComparator(ord Ordering, unique bool) Comparator {
	return Comparator{kind: StructuredEntry, ordering: ord, unique: unique}
}

func (c Comparator) Kind() ComparatorKind { return c.kind }
func (c Comparator) Ordering() Ordering   { return c.ordering }
func (c Comparator) Unique() bool         { return c.unique }

// Compare returns a negative number, zero or a positive number when a sorts
// before, together with or after b.
func (c Comparator) Compare(a, b []byte) int {
	switch c.kind {
	case RawBytes:
		return bytes.Compare(a, b)
	case StructuredEntry:
		switch {
		case len(a) == 0 && len(b) == 0:
			return 0
		case len(a) == 0:
			return -1
		case len(b) == 0:
			return 1
		}
		return compareKeyStrings(a, b, c.ordering, c.unique)
	default:
		panic(fmt.Errorf("invalid comparator kind %d", c.kind))
	}
}

// Serialize returns the persistent form: empty for RawBytes, otherwise the
// ordering as 4 little-endian bytes followed by a uniqueness byte.
func (c Comparator) Serialize() []byte {
	switch c.kind {
	case RawBytes:
		return []byte{}
	case StructuredEntry:
		buf := binary.LittleEndian.AppendUint32(make([]byte, 0, structuredComparatorSize), uint32(c.ordering))
		if c.unique {
			return append(buf, 1)
		}
		return append(buf, 0)
	default:
		panic(fmt.Errorf("invalid comparator kind %d", c.kind))
	}
}

// DeserializeComparator reverses Serialize.
func DeserializeComparator(b []byte) (Comparator, error) {
	switch len(b) {
	case 0:
		return RawBytesComparator(), nil
	case structuredComparatorSize:
		u := b[4]
		if u > 1 {
			return Comparator{}, dataErrf(b, 4, nil, "invalid comparator uniqueness byte")
		}
		return StructuredComparator(Ordering(binary.LittleEndian.Uint32(b)), u == 1), nil
	default:
		return Comparator{}, dataErrf(b, 0, nil, "invalid comparator size %d", len(b))
	}
}

func (c Comparator) String() string {
	if c.kind == StructuredEntry {
		if c.unique {
			return "structured" + c.ordering.String() + " unique"
		}
		return "structured" + c.ordering.String()
	}
	return c.kind.String()
}
