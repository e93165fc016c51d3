//go:build !unix

package locking

import "os"

// tryLockFile is a stub on non-Unix platforms; only in-process exclusion
// applies there.
func tryLockFile(f *os.File) (bool, error) { return true, nil }

// unlockFile is a stub counterpart to tryLockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
