package kvdict

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get for absent keys. Probing callers should
	// treat it as an answer rather than a failure.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey reports a unique constraint violation. Index-level
	// violations come wrapped in *DuplicateKeyError carrying the key.
	ErrDuplicateKey = errors.New("duplicate key")

	ErrKeyTooLong = errors.New("key too long")
	ErrBadValue   = errors.New("bad value")

	// ErrWriteConflict is a transient contention signal. The caller must
	// abort and retry the whole logical operation (see RunOp).
	ErrWriteConflict = errors.New("write conflict")

	ErrReadOnly  = errors.New("read-only recovery unit")
	ErrCorrupted = errors.New("corrupted data")
	ErrClosed    = errors.New("engine closed")
)

// IsWriteConflict reports whether err is the retryable contention signal.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsRetryable reports whether restarting the whole operation may succeed.
// Only write conflicts are retryable.
func IsRetryable(err error) bool {
	return IsWriteConflict(err)
}

// IsNotFound reports whether err means a missing key or dictionary.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DuplicateKeyError is the user-facing unique index violation.
type DuplicateKeyError struct {
	Index string
	Key   Key
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("E11000 duplicate key error index: %s dup key: %s", e.Index, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error {
	return ErrDuplicateKey
}

// KeyTooLongError is returned when an encoded index key reaches
// MaxIndexKeySize. Nothing is written to the dictionary in that case.
type KeyTooLongError struct {
	Index string
	Size  int
	Key   Key
}

func (e *KeyTooLongError) Error() string {
	return fmt.Sprintf("%s: key too large to index, failing %d %s", e.Index, e.Size, e.Key)
}

func (e *KeyTooLongError) Unwrap() error {
	return ErrKeyTooLong
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	if e.Err == nil {
		return ErrCorrupted
	}
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// DictError attaches the dictionary name and the offending key to an
// engine-level failure.
type DictError struct {
	Dict string
	Key  []byte
	Msg  string
	Err  error
}

func dictErrf(dict string, key []byte, err error, format string, args ...any) error {
	return &DictError{dict, key, fmt.Sprintf(format, args...), err}
}

func (e *DictError) Unwrap() error {
	return e.Err
}

func (e *DictError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Dict)
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
