package positions

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// withFlock holds an advisory lock on path for the duration of fn. A fresh
// descriptor is opened per call so the lock also excludes other goroutines
// of this process.
func withFlock(path string, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
