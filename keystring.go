package kvdict

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"time"
)

// Structured keys are stored as key strings, an order-preserving encoding:
//
//	entry    = field* end location?
//	field    = tag payload     (every byte inverted for descending fields)
//	end      = 0x00
//	location = 8 bytes, big-endian
//
// All Go integer and float types share one number encoding: the float64
// nearest to the value (rounded toward zero) followed by a 2-byte signed
// correction that is non-zero only for integers beyond 2^53. Equal numbers
// therefore encode identically whatever their type, and decode as int64 when
// integral and in range. Times are 8 bytes of seconds and 4 bytes of
// nanoseconds.
//
// Bytewise order of two key strings equals the order of the decoded tuples,
// so engines that only know memcmp still iterate structured dictionaries
// correctly. Boundary keys built for range positioning may stop after any
// field (sorting before every key that extends them) or carry 0xFF where the
// next field would start (sorting after every key that extends them).

const (
	// MaxIndexKeySize bounds encoded index keys; keys of this size or larger
	// are rejected with KeyTooLong.
	MaxIndexKeySize = 1024

	// MaxKeyFields is the number of fields an Ordering can describe.
	MaxKeyFields = 32
)

const (
	keyEnd   byte = 0x00
	keyAfter byte = 0xFF

	tagMinKey byte = 0x0A
	tagNull   byte = 0x14
	tagNumber byte = 0x1E
	tagString byte = 0x32
	tagBytes  byte = 0x3C
	tagBool   byte = 0x46
	tagTime   byte = 0x50
	tagMaxKey byte = 0xF0

	// Inside string and bytes payloads, a zero byte is followed by escZero
	// for a literal zero or by escTerm at the end of the payload.
	escTerm byte = 0x01
	escZero byte = 0xFF

	signBit = uint64(1) << 63
)

// EncodeKey encodes a structured key (field names stripped) as the
// dictionary key of a unique index entry.
func EncodeKey(key Key, ord Ordering) ([]byte, error) {
	return appendKeyString(nil, key, ord)
}

// EncodeEntry encodes a (key, location) pair as the dictionary key of a
// non-unique index entry.
func EncodeEntry(key Key, loc RecordID, ord Ordering) ([]byte, error) {
	buf, err := appendKeyString(nil, key, ord)
	if err != nil {
		return nil, err
	}
	return loc.appendTo(buf), nil
}

// DecodeKeyString decodes a dictionary key produced by EncodeKey or
// EncodeEntry. hasLoc reports whether location bytes followed the key.
func DecodeKeyString(b []byte, ord Ordering) (key Key, loc RecordID, hasLoc bool, err error) {
	key, end, err := decodeKeyString(b, ord)
	if err != nil {
		return nil, NullRecordID, false, err
	}
	if rest := b[end:]; len(rest) > 0 {
		loc, err = DecodeRecordID(rest)
		if err != nil {
			return nil, NullRecordID, false, err
		}
		hasLoc = true
	}
	return key, loc, hasLoc, nil
}

// decodeKeyString decodes the key part of b and returns the offset just past
// the terminator.
func decodeKeyString(b []byte, ord Ordering) (Key, int, error) {
	r := keyReader{orig: b, ord: ord}
	var key Key
	for {
		e, err := r.next()
		if err != nil {
			return nil, 0, err
		}
		switch e.kind {
		case elemField:
			key = append(key, KeyField{Value: e.value()})
		case elemEnd:
			return key, r.off, nil
		default:
			return nil, 0, dataErrf(b, r.off, nil, "key string is not terminated")
		}
	}
}

func appendKeyString(buf []byte, key Key, ord Ordering) ([]byte, error) {
	if len(key) > MaxKeyFields {
		return buf, fmt.Errorf("%w: key has %d fields, max is %d", ErrBadValue, len(key), MaxKeyFields)
	}
	var err error
	for i, f := range key {
		buf, err = appendKeyField(buf, f.Value, ord.Descending(i))
		if err != nil {
			return buf, err
		}
	}
	return append(buf, keyEnd), nil
}

func appendKeyField(buf []byte, v any, desc bool) ([]byte, error) {
	start := len(buf)
	buf, err := appendKeyValue(buf, v)
	if err != nil {
		return buf[:start], err
	}
	if desc {
		invertBytes(buf[start:])
	}
	return buf, nil
}

func appendKeyValue(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case MinKeyType:
		return append(buf, tagMinKey), nil
	case MaxKeyType:
		return append(buf, tagMaxKey), nil
	case bool:
		var b byte
		if v {
			b = 1
		}
		return append(buf, tagBool, b), nil
	case int:
		return appendKeyInt(buf, int64(v)), nil
	case int8:
		return appendKeyInt(buf, int64(v)), nil
	case int16:
		return appendKeyInt(buf, int64(v)), nil
	case int32:
		return appendKeyInt(buf, int64(v)), nil
	case int64:
		return appendKeyInt(buf, v), nil
	case uint:
		return appendKeyUint(buf, uint64(v))
	case uint8:
		return appendKeyUint(buf, uint64(v))
	case uint16:
		return appendKeyUint(buf, uint64(v))
	case uint32:
		return appendKeyUint(buf, uint64(v))
	case uint64:
		return appendKeyUint(buf, v)
	case float32:
		return appendKeyNumber(buf, float64(v), 0), nil
	case float64:
		return appendKeyNumber(buf, v, 0), nil
	case string:
		return appendEscaped(append(buf, tagString), v), nil
	case []byte:
		return appendEscaped(append(buf, tagBytes), v), nil
	case time.Time:
		buf = appendKeyFixed(buf, tagTime, uint64(v.Unix())^signBit)
		n := uint32(v.Nanosecond())
		return append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n)), nil
	default:
		return buf, fmt.Errorf("%w: unsupported key value type %T", ErrBadValue, v)
	}
}

func appendKeyUint(buf []byte, v uint64) ([]byte, error) {
	if v > math.MaxInt64 {
		return buf, fmt.Errorf("%w: key value %d overflows int64", ErrBadValue, v)
	}
	return appendKeyInt(buf, int64(v)), nil
}

// float64 has 53 bits of mantissa; beyond that the spacing between floats
// is at most 2^10 below 2^63, so the correction fits an int16.
const exactFloatInt = 1 << 53

func appendKeyInt(buf []byte, v int64) []byte {
	if -exactFloatInt <= v && v <= exactFloatInt {
		return appendKeyNumber(buf, float64(v), 0)
	}
	f := truncToFloat(v)
	return appendKeyNumber(buf, f, int16(v-int64(f)))
}

// truncToFloat returns the float64 closest to v that is not further from
// zero than v.
func truncToFloat(v int64) float64 {
	f := float64(v)
	if f >= math.MaxInt64 {
		f = math.Nextafter(f, 0)
	}
	if back := int64(f); (v > 0 && back > v) || (v < 0 && back < v) {
		f = math.Nextafter(f, 0)
	}
	return f
}

func appendKeyNumber(buf []byte, f float64, corr int16) []byte {
	c := uint16(corr) ^ 0x8000
	return append(appendKeyFixed(buf, tagNumber, floatKeyBits(f)), byte(c>>8), byte(c))
}

func appendKeyFixed(buf []byte, tag byte, u uint64) []byte {
	return append(buf, tag,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

func appendEscaped[S ~string | ~[]byte](buf []byte, s S) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			buf = append(buf, 0, escZero)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0, escTerm)
}

// floatKeyBits maps a float to a uint64 with the same order. Negative zero
// becomes zero and every NaN becomes the greatest value.
func floatKeyBits(f float64) uint64 {
	if math.IsNaN(f) {
		return math.MaxUint64
	}
	if f == 0 {
		f = 0
	}
	b := math.Float64bits(f)
	if b&signBit != 0 {
		return ^b
	}
	return b | signBit
}

func floatFromKeyBits(u uint64) float64 {
	if u == math.MaxUint64 {
		return math.NaN()
	}
	if u&signBit != 0 {
		return math.Float64frombits(u &^ signBit)
	}
	return math.Float64frombits(^u)
}

func invertBytes(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

type keyElemKind uint8

// The order of the kinds matches the order of the bytes that introduce them.
const (
	elemEOF keyElemKind = iota
	elemEnd
	elemField
	elemAfter
)

type keyElem struct {
	kind keyElemKind
	tag  byte
	u    uint64
	lo   uint32 // number correction or time nanoseconds
	b    []byte
}

func (e keyElem) value() any {
	switch e.tag {
	case tagMinKey:
		return MinKey
	case tagMaxKey:
		return MaxKey
	case tagNull:
		return nil
	case tagBool:
		return e.u == 1
	case tagNumber:
		return numberFromKey(floatFromKeyBits(e.u), int16(uint16(e.lo)^0x8000))
	case tagTime:
		return time.Unix(int64(e.u^signBit), int64(e.lo)).UTC()
	case tagString:
		return string(e.b)
	case tagBytes:
		return e.b
	default:
		panic(fmt.Errorf("unknown key tag 0x%02x", e.tag))
	}
}

func numberFromKey(f float64, corr int16) any {
	if corr != 0 {
		return int64(f) + int64(corr)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func compareKeyElems(a, b keyElem) int {
	if a.tag != b.tag {
		return cmp.Compare(a.tag, b.tag)
	}
	switch a.tag {
	case tagNumber, tagTime:
		if c := cmp.Compare(a.u, b.u); c != 0 {
			return c
		}
		return cmp.Compare(a.lo, b.lo)
	case tagBool:
		return cmp.Compare(a.u, b.u)
	case tagString, tagBytes:
		return bytes.Compare(a.b, b.b)
	default:
		return 0
	}
}

type keyReader struct {
	orig  []byte
	off   int
	ord   Ordering
	field int
	desc  bool
}

func (r *keyReader) rest() []byte {
	return r.orig[r.off:]
}

func (r *keyReader) readByte() (byte, error) {
	if r.off >= len(r.orig) {
		return 0, dataErrf(r.orig, r.off, nil, "truncated key string")
	}
	c := r.orig[r.off]
	r.off++
	if r.desc {
		c = ^c
	}
	return c, nil
}

func (r *keyReader) next() (keyElem, error) {
	if r.off >= len(r.orig) {
		return keyElem{kind: elemEOF}, nil
	}
	switch r.orig[r.off] {
	case keyEnd:
		r.off++
		return keyElem{kind: elemEnd}, nil
	case keyAfter:
		r.off = len(r.orig)
		return keyElem{kind: elemAfter}, nil
	}
	if r.field >= MaxKeyFields {
		return keyElem{}, dataErrf(r.orig, r.off, nil, "too many key fields")
	}
	r.desc = r.ord.Descending(r.field)
	r.field++
	defer func() { r.desc = false }()

	tagOff := r.off
	tag, err := r.readByte()
	if err != nil {
		return keyElem{}, err
	}
	e := keyElem{kind: elemField, tag: tag}
	switch tag {
	case tagMinKey, tagNull, tagMaxKey:
	case tagBool:
		c, err := r.readByte()
		if err != nil {
			return keyElem{}, err
		}
		if c > 1 {
			return keyElem{}, dataErrf(r.orig, tagOff, nil, "invalid bool key value %d", c)
		}
		e.u = uint64(c)
	case tagNumber, tagTime:
		loBytes := 2
		if tag == tagTime {
			loBytes = 4
		}
		for range 8 {
			c, err := r.readByte()
			if err != nil {
				return keyElem{}, err
			}
			e.u = e.u<<8 | uint64(c)
		}
		for range loBytes {
			c, err := r.readByte()
			if err != nil {
				return keyElem{}, err
			}
			e.lo = e.lo<<8 | uint32(c)
		}
		if tag == tagTime && e.lo >= 1e9 {
			return keyElem{}, dataErrf(r.orig, tagOff, nil, "invalid time nanoseconds %d", e.lo)
		}
	case tagString, tagBytes:
		e.b, err = r.readEscaped()
		if err != nil {
			return keyElem{}, err
		}
	default:
		return keyElem{}, dataErrf(r.orig, tagOff, nil, "unknown key tag 0x%02x", tag)
	}
	return e, nil
}

func (r *keyReader) readEscaped() ([]byte, error) {
	out := []byte{}
	for {
		c, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if c != 0 {
			out = append(out, c)
			continue
		}
		c, err = r.readByte()
		if err != nil {
			return nil, err
		}
		switch c {
		case escTerm:
			return out, nil
		case escZero:
			out = append(out, 0)
		default:
			return nil, dataErrf(r.orig, r.off-1, nil, "invalid escape 0x%02x", c)
		}
	}
}

// compareKeyStrings compares two encoded entries field by field. Unique
// comparators stop at the terminator; others compare the locations after it.
// Corrupted input is a broken invariant and panics.
func compareKeyStrings(a, b []byte, ord Ordering, unique bool) int {
	ra := keyReader{orig: a, ord: ord}
	rb := keyReader{orig: b, ord: ord}
	for {
		ea := must(ra.next())
		eb := must(rb.next())
		if ea.kind != eb.kind {
			return cmp.Compare(ea.kind, eb.kind)
		}
		switch ea.kind {
		case elemEOF, elemAfter:
			return 0
		case elemEnd:
			if unique {
				return 0
			}
			return bytes.Compare(ra.rest(), rb.rest())
		}
		if c := compareKeyElems(ea, eb); c != 0 {
			if ord.Descending(ra.field - 1) {
				return -c
			}
			return c
		}
	}
}
