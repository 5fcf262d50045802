package kvdict

import (
	"encoding/binary"
	"fmt"
)

// UpdateMessage turns an old value into a new one. The old value is empty
// when the key is absent.
type UpdateMessage interface {
	Apply(old Slice) (Slice, error)
}

// UpdateFunc adapts a function to UpdateMessage.
type UpdateFunc func(old Slice) (Slice, error)

func (f UpdateFunc) Apply(old Slice) (Slice, error) {
	return f(old)
}

// IncrementMessage adds Delta to a counter stored as a little-endian int64.
// An empty old value counts as zero.
type IncrementMessage struct {
	Delta int64
}

func (m IncrementMessage) Apply(old Slice) (Slice, error) {
	v, err := decodeCounter(old.Bytes())
	if err != nil {
		return Slice{}, err
	}
	return OwnedSlice(binary.LittleEndian.AppendUint64(make([]byte, 0, 8), uint64(v+m.Delta))), nil
}

func decodeCounter(b []byte) (int64, error) {
	switch len(b) {
	case 0:
		return 0, nil
	case 8:
		return int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return 0, dataErrf(b, 0, nil, "invalid counter size %d", len(b))
	}
}

// Damage copies Size bytes of the message source at SourceOffset over the old
// value at TargetOffset.
type Damage struct {
	SourceOffset int
	TargetOffset int
	Size         int
}

// DamagesMessage patches a value in place. Patches must lie within both the
// source and the old value.
type DamagesMessage struct {
	Source  []byte
	Damages []Damage
}

func (m DamagesMessage) Apply(old Slice) (Slice, error) {
	buf := append([]byte(nil), old.Bytes()...)
	for _, d := range m.Damages {
		if d.Size < 0 || d.SourceOffset < 0 || d.TargetOffset < 0 ||
			d.SourceOffset+d.Size > len(m.Source) || d.TargetOffset+d.Size > len(buf) {
			return Slice{}, fmt.Errorf("%w: damage %+v out of range (source %d bytes, target %d bytes)", ErrBadValue, d, len(m.Source), len(buf))
		}
		copy(buf[d.TargetOffset:], m.Source[d.SourceOffset:d.SourceOffset+d.Size])
	}
	return OwnedSlice(buf), nil
}
