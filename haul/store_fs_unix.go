//go:build unix

package haul

import (
	"os"
	"syscall"
)

// flockExclusive takes an exclusive advisory lock on the file, blocking
// until it is available.
func flockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// flockRelease releases an advisory lock taken by flockExclusive.
func flockRelease(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
