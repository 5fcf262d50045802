package kvdict

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEnsureCapacity(t *testing.T) {
	buf := ensureCapacity(nil, 1)
	deepEqual(t, cap(buf), 16)
	buf = append(buf, 1, 2, 3)
	buf = ensureCapacity(buf, 40)
	deepEqual(t, cap(buf), 64)
	deepEqual(t, buf, []byte{1, 2, 3})
}

func TestVarEncoding(t *testing.T) {
	var buf []byte
	buf = appendUvarint(buf, 300)
	buf = appendVarbytes(buf, []byte{0xaa, 0xbb})
	buf = appendVarstring(buf, "hi")
	buf = append(buf, 7)
	if e := x("ac02 02aabb 026869 07"); !bytes.Equal(buf, e) {
		t.Fatalf("** encoded %x, wanted %x", buf, e)
	}

	d := makeByteDecoder(buf)
	deepEqual(t, must(d.Uvarint()), uint64(300))
	deepEqual(t, must(d.VarBytes()), []byte{0xaa, 0xbb})
	deepEqual(t, must(d.VarString()), "hi")
	deepEqual(t, d.Off(), 8)
	deepEqual(t, d.Done(), false)
	deepEqual(t, must(d.Byte()), byte(7))
	deepEqual(t, d.Done(), true)

	_, err := d.Byte()
	wantErr(t, err, ErrCorrupted)
	_, err = d.Raw(1)
	wantErr(t, err, ErrCorrupted)
}

func TestByteDecoder_Truncated(t *testing.T) {
	d := makeByteDecoder(x("05 6162"))
	_, err := d.VarBytes()
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("** VarBytes = %v, wanted *DataError", err)
	}
	deepEqual(t, de.Off, 1)

	d = makeByteDecoder(x("ffffffffffffffffffff01"))
	_, err = d.Uvarint()
	wantErr(t, err, ErrCorrupted)
}

func TestBytesBuilder(t *testing.T) {
	var bb bytesBuilder
	n := must(bb.Write([]byte("abc")))
	deepEqual(t, n, 3)
	ok(t, bb.WriteByte('!'))
	deepEqual(t, string(bb.Buf), "abc!")
}

func TestHexstr(t *testing.T) {
	deepEqual(t, hexstr(nil), "<nil>")
	deepEqual(t, hexstr([]byte{}), "<empty>")
	deepEqual(t, hexstr([]byte{0xab, 1}), "ab01")
	deepEqual(t, hexAttr("key", []byte{1}).Value.String(), "01")
}

func TestInvariant(t *testing.T) {
	defer func() {
		p := recover()
		err, _ := p.(error)
		if err == nil || !strings.Contains(err.Error(), "invariant violated: want 42") {
			t.Errorf("** recovered %v", p)
		}
	}()
	invariant(true, "unused")
	invariant(false, "want %d", 42)
}
