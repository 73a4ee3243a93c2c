package reactor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ListenUnix creates a non-blocking, listening Unix stream socket at path,
// removing any stale socket file left behind by a prior, uncleanly
// terminated run (the advisory flock in internal/server guards against two
// live servers doing this concurrently).
func ListenUnix(path string) (int, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen %s: %w", path, err)
	}
	return fd, nil
}

// AcceptNonblock accepts one pending connection on a non-blocking listening
// socket. ok is false when no connection is pending (EAGAIN), which the
// caller should treat as "try again after the next readiness event".
func AcceptNonblock(listenFD int) (fd int, ok bool, err error) {
	fd, _, err = unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, false, nil
		}
		return -1, false, err
	}
	return fd, true, nil
}
