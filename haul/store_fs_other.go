//go:build !unix

package haul

import "os"

// Advisory file locking (flock) is only available on Unix-like operating
// systems. On other platforms the in-process mutex still serializes
// updates within one process; sharing a session directory across processes
// is not supported.
func flockExclusive(*os.File) error { return nil }

func flockRelease(*os.File) error { return nil }
