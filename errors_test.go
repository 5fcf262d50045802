package kvdict

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDataError(t *testing.T) {
	err := dataErrf([]byte{1, 2, 3}, 2, nil, "bad %s", "thing")
	deepEqual(t, err.Error(), "bad thing at 2: (3) 010203")
	wantErr(t, err, ErrCorrupted)

	cause := errors.New("cause")
	err = dataErrf([]byte{1}, 0, cause, "failed")
	deepEqual(t, err.Error(), "failed at 0: cause: (1) 01")
	wantErr(t, err, cause)
	if errors.Is(err, ErrCorrupted) {
		t.Errorf("** %v wraps ErrCorrupted", err)
	}

	long := make([]byte, 200)
	long[199] = 0xee
	a := dataErrf(long, 5, nil, "long").Error()
	e := fmt.Sprintf("long at 5: (200) %s...%s", strings.Repeat("00", 64), strings.Repeat("00", 31)+"ee")
	deepEqual(t, a, e)
}

func TestDictError(t *testing.T) {
	tests := []struct {
		err error
		e   string
	}{
		{dictErrf("d", []byte("k"), ErrNotFound, ""), "d/6b: not found"},
		{dictErrf("d", nil, ErrReadOnly, ""), "d: read-only recovery unit"},
		{dictErrf("d", []byte{}, ErrDuplicateKey, "insert"), "d/<empty>: insert: duplicate key"},
		{dictErrf("d", nil, nil, "just a message"), "d: just a message"},
	}
	for _, tt := range tests {
		deepEqual(t, tt.err.Error(), tt.e)
	}
	wantErr(t, tests[0].err, ErrNotFound)
	deepEqual(t, IsNotFound(tests[0].err), true)
	deepEqual(t, IsWriteConflict(tests[0].err), false)
	deepEqual(t, IsWriteConflict(fmt.Errorf("x: %w", ErrWriteConflict)), true)
	deepEqual(t, IsRetryable(fmt.Errorf("x: %w", ErrWriteConflict)), true)
	deepEqual(t, IsRetryable(ErrDuplicateKey), false)
}

func TestIndexErrors(t *testing.T) {
	dke := &DuplicateKeyError{Index: "email", Key: K("a@x")}
	deepEqual(t, dke.Error(), `E11000 duplicate key error index: email dup key: { : "a@x" }`)
	wantErr(t, dke, ErrDuplicateKey)

	ktl := &KeyTooLongError{Index: "ix", Size: 1030, Key: K(1)}
	deepEqual(t, ktl.Error(), "ix: key too large to index, failing 1030 { : 1 }")
	wantErr(t, ktl, ErrKeyTooLong)
}
