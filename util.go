package kvdict

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime/debug"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// invariant panics when a caller broke a documented precondition.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("kvdict: invariant violated: "+format, args...))
	}
}

// prefixSuccessor returns the smallest byte string greater than every string
// that starts with p, or nil if no such string exists (p is all 0xFF).
func prefixSuccessor(p []byte) []byte {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != 0xFF {
			succ := append([]byte(nil), p[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return nil
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Op) error, op *Op) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(op)
}

func orDefaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
