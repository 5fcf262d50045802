package kvdict

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// KeyField is one component of a structured index key. Names are only for
// humans: the encoding strips them and keys decode with empty names.
type KeyField struct {
	Name  string
	Value any
}

// Key is a structured multi-field index key, e.g. {a: 1, b: "x"}.
//
// Supported values: nil, MinKey, MaxKey, bool, every Go integer type (uint64
// values must fit into int64), float32, float64, string, []byte and
// time.Time. Decoding yields nil, MinKey, MaxKey, bool, int64, float64,
// string, []byte and time.Time (UTC).
type Key []KeyField

// K builds a key with unnamed fields.
func K(values ...any) Key {
	k := make(Key, len(values))
	for i, v := range values {
		k[i].Value = v
	}
	return k
}

func (k Key) Values() []any {
	vals := make([]any, len(k))
	for i, f := range k {
		vals[i] = f.Value
	}
	return vals
}

// Stripped returns the key with field names removed.
func (k Key) Stripped() Key {
	return K(k.Values()...)
}

func (k Key) String() string {
	var buf strings.Builder
	buf.WriteString("{ ")
	for i, f := range k {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(formatKeyValue(f.Value))
	}
	buf.WriteString(" }")
	return buf.String()
}

func formatKeyValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case MinKeyType:
		return "MinKey"
	case MaxKeyType:
		return "MaxKey"
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("BinData(%x)", v)
	case time.Time:
		return "new Date(" + v.UTC().Format(time.RFC3339Nano) + ")"
	default:
		return fmt.Sprint(v)
	}
}

type (
	MinKeyType struct{}
	MaxKeyType struct{}
)

var (
	// MinKey sorts before every other key value.
	MinKey = MinKeyType{}
	// MaxKey sorts after every other key value.
	MaxKey = MaxKeyType{}
)

// RecordID is a fixed-width document location. It encodes as 8 big-endian
// bytes, so bytewise order equals numeric order. Zero is the null location.
type RecordID uint64

const (
	NullRecordID RecordID = 0
	MinRecordID  RecordID = 0
	MaxRecordID  RecordID = math.MaxUint64

	recordIDSize = 8
)

func (id RecordID) IsNull() bool { return id == NullRecordID }

func (id RecordID) String() string {
	return "RecordId(" + strconv.FormatUint(uint64(id), 10) + ")"
}

func (id RecordID) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// Bytes returns the 8-byte encoding of the location.
func (id RecordID) Bytes() []byte {
	return id.appendTo(make([]byte, 0, recordIDSize))
}

// DecodeRecordID decodes an 8-byte big-endian location.
func DecodeRecordID(b []byte) (RecordID, error) {
	if len(b) != recordIDSize {
		return NullRecordID, dataErrf(b, 0, nil, "invalid record id size %d", len(b))
	}
	return RecordID(binary.BigEndian.Uint64(b)), nil
}

// encodeLocations packs locations as a flat array of 8-byte records.
func encodeLocations(buf []byte, locs []RecordID) []byte {
	for _, loc := range locs {
		buf = loc.appendTo(buf)
	}
	return buf
}

// decodeLocations unpacks a unique index value; the count is implied by the
// length.
func decodeLocations(b []byte) ([]RecordID, error) {
	if len(b) == 0 || len(b)%recordIDSize != 0 {
		return nil, dataErrf(b, 0, nil, "invalid location set size %d", len(b))
	}
	locs := make([]RecordID, len(b)/recordIDSize)
	for i := range locs {
		locs[i] = RecordID(binary.BigEndian.Uint64(b[i*recordIDSize:]))
	}
	return locs, nil
}
