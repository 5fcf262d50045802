package kvdict

import (
	"encoding/binary"
	"io"
	"math"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

// bytesBuilder is an io.Writer over a growable buffer; msgpack encoders
// write into it directly.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(ensureCapacity(bb.Buf, len(bb.Buf)+len(b)), b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func appendVarbytes(buf []byte, v []byte) []byte {
	buf = ensureCapacity(buf, len(buf)+binary.MaxVarintLen64+len(v))
	return append(binary.AppendUvarint(buf, uint64(len(v))), v...)
}

func appendVarstring(buf []byte, s string) []byte {
	return append(binary.AppendUvarint(buf, uint64(len(s))), s...)
}

// byteDecoder consumes a buffer front to back. Every failure is a
// *DataError pointing at the offending offset.
type byteDecoder struct {
	whole []byte
	rest  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{whole: buf, rest: buf}
}

func (d *byteDecoder) Off() int   { return len(d.whole) - len(d.rest) }
func (d *byteDecoder) Done() bool { return len(d.rest) == 0 }

func (d *byteDecoder) fail(format string, args ...any) error {
	return dataErrf(d.whole, d.Off(), nil, format, args...)
}

func (d *byteDecoder) Byte() (byte, error) {
	if d.Done() {
		return 0, d.fail("unexpected end of data")
	}
	v := d.rest[0]
	d.rest = d.rest[1:]
	return v, nil
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.rest)
	if n <= 0 {
		return 0, d.fail("invalid uvarint")
	}
	d.rest = d.rest[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if err == nil && v > math.MaxInt {
		return 0, d.fail("value does not fit into int: %d", v)
	}
	return int(v), err
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if n > len(d.rest) {
		return nil, d.fail("need %d bytes, have %d", n, len(d.rest))
	}
	v := d.rest[:n:n]
	d.rest = d.rest[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}

func (d *byteDecoder) VarString() (string, error) {
	b, err := d.VarBytes()
	return string(b), err
}
