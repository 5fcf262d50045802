package journal

import (
	"os"
	"syscall"
)

// datasync flushes segment data without the file metadata that replay does
// not depend on.
func datasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
