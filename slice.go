package kvdict

import "bytes"

// Slice is the key/value currency of every dictionary call: a length-tagged
// byte buffer that is either owned by its holder or borrowed from whatever
// produced it.
//
// Borrowed slices returned by an engine stay valid until the recovery unit
// that produced them commits or aborts. Nobody may modify the bytes of a
// borrowed slice.
type Slice struct {
	data  []byte
	owned bool
}

// MakeSlice wraps b without copying. The result is borrowed.
func MakeSlice(b []byte) Slice {
	return Slice{data: b}
}

// OwnedSlice wraps b, transferring ownership to the slice.
func OwnedSlice(b []byte) Slice {
	return Slice{data: b, owned: true}
}

// CopySlice returns an owned copy of b.
func CopySlice(b []byte) Slice {
	return Slice{data: bytes.Clone(b), owned: true}
}

// StringSlice returns an owned slice holding the bytes of s.
func StringSlice(s string) Slice {
	return Slice{data: []byte(s), owned: true}
}

func (s Slice) Bytes() []byte { return s.data }
func (s Slice) Len() int      { return len(s.data) }
func (s Slice) IsEmpty() bool { return len(s.data) == 0 }
func (s Slice) IsOwned() bool { return s.owned }

// Owned returns s itself if it is already owned, or an owned copy otherwise.
func (s Slice) Owned() Slice {
	if s.owned {
		return s
	}
	return CopySlice(s.data)
}

// Equal compares the raw bytes of two slices.
func (s Slice) Equal(o Slice) bool {
	return bytes.Equal(s.data, o.data)
}

func (s Slice) String() string {
	return hexstr(s.data)
}

// nonNilBytes returns the slice data, substituting an empty non-nil slice for
// nil, since some stores cannot tell a nil value from a missing one.
func (s Slice) nonNilBytes() []byte {
	if s.data == nil {
		return emptyValue
	}
	return s.data
}
