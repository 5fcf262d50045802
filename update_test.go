package kvdict

import (
	"bytes"
	"testing"
)

func TestIncrementMessage(t *testing.T) {
	tests := []struct {
		old   string
		delta int64
		e     string
	}{
		{"", 1, "0100000000000000"},
		{"0100000000000000", 2, "0300000000000000"},
		{"0300000000000000", -5, "feffffffffffffff"},
		{"ffffffffffffffff", 1, "0000000000000000"},
	}
	for _, tt := range tests {
		a := must(IncrementMessage{tt.delta}.Apply(MakeSlice(x(tt.old))))
		if e := x(tt.e); !bytes.Equal(a.Bytes(), e) {
			t.Errorf("Increment(%s, %d) = %x, wanted %x", tt.old, tt.delta, a.Bytes(), e)
		}
	}

	_, err := IncrementMessage{1}.Apply(MakeSlice(x("0102")))
	wantErr(t, err, ErrCorrupted)
}

func TestDamagesMessage(t *testing.T) {
	old := StringSlice("abcdef")
	a := must(DamagesMessage{
		Source:  []byte("XYZ"),
		Damages: []Damage{{SourceOffset: 1, TargetOffset: 4, Size: 2}, {SourceOffset: 0, TargetOffset: 0, Size: 1}},
	}.Apply(old))
	deepEqual(t, string(a.Bytes()), "XbcdYZ")
	deepEqual(t, string(old.Bytes()), "abcdef")

	for _, d := range []Damage{
		{SourceOffset: 0, TargetOffset: 5, Size: 2},
		{SourceOffset: 2, TargetOffset: 0, Size: 2},
		{SourceOffset: -1, TargetOffset: 0, Size: 1},
		{SourceOffset: 0, TargetOffset: 0, Size: -1},
	} {
		_, err := DamagesMessage{Source: []byte("XYZ"), Damages: []Damage{d}}.Apply(old)
		wantErr(t, err, ErrBadValue)
	}
}

func TestUpdateCurrent(t *testing.T) {
	for _, eng := range []Engine{setupMem(t), setupBolt(t), setupSQLite(t)} {
		t.Run(eng.Name(), func(t *testing.T) {
			d := rawDict(t, eng, "counters")
			key := StringSlice("n")
			write(t, eng, func(op *Op) {
				ok(t, d.UpdateCurrent(op, key, IncrementMessage{5}))
				ok(t, d.UpdateCurrent(op, key, IncrementMessage{-2}))
			})
			write(t, eng, func(op *Op) {
				old := must(d.Get(op, key))
				ok(t, d.Update(op, key, old, UpdateFunc(func(old Slice) (Slice, error) {
					v := must(decodeCounter(old.Bytes()))
					return IncrementMessage{v * 9}.Apply(old)
				})))
			})
			read(t, eng, func(op *Op) {
				deepEqual(t, must(decodeCounter(must(d.Get(op, key)).Bytes())), int64(30))
			})
		})
	}
}

func TestUpdateCurrent_AbsentKey(t *testing.T) {
	for _, eng := range []Engine{setupMem(t), setupBolt(t), setupSQLite(t)} {
		t.Run(eng.Name(), func(t *testing.T) {
			d := rawDict(t, eng, "d")
			var seen []int
			record := UpdateFunc(func(old Slice) (Slice, error) {
				seen = append(seen, old.Len())
				return StringSlice("new"), nil
			})
			refuse := UpdateFunc(func(old Slice) (Slice, error) {
				return Slice{}, ErrBadValue
			})
			write(t, eng, func(op *Op) {
				wantErr(t, d.UpdateCurrent(op, StringSlice("nope"), refuse), ErrBadValue)
				ok(t, d.UpdateCurrent(op, StringSlice("k"), record))
				ok(t, d.UpdateCurrent(op, StringSlice("k"), record))
			})
			deepEqual(t, seen, []int{0, 3})
			read(t, eng, func(op *Op) {
				_, err := d.Get(op, StringSlice("nope"))
				wantErr(t, err, ErrNotFound)
				deepEqual(t, string(must(d.Get(op, StringSlice("k"))).Bytes()), "new")
			})
		})
	}
}
