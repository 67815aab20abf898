//go:build unix

package anchoring

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

const flockSupported = true

// lockFile takes an exclusive advisory lock on f, retrying on EINTR.
func lockFile(f *os.File) error { return flock(f, unix.LOCK_EX) }

// rlockFile takes a shared advisory lock on f so a read never sees half a write.
func rlockFile(f *os.File) error { return flock(f, unix.LOCK_SH) }

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
