package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"ringboard/internal/layout"
	"ringboard/internal/rberrors"
)

// Lock is the advisory flock guaranteeing only one server instance writes
// to a given data directory at a time (spec.md §5 "A POSIX advisory lock on
// a separate lock file guarantees only one server instance runs").
type Lock struct {
	f *os.File
}

// AcquireLock takes an exclusive, non-blocking flock on dir's lock file. A
// second instance gets ErrAlreadyRunning immediately rather than blocking.
func AcquireLock(dir layout.Dir) (*Lock, error) {
	f, err := os.OpenFile(dir.Lock(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("server: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("server: %w", rberrors.ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("server: flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the lock file.
func (l *Lock) Release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
