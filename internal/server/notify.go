package server

import (
	"os"

	"golang.org/x/sys/unix"
)

// NotifyReady tells a supervising systemd that startup is complete, once
// the socket is listening and the data directory has been validated
// (spec.md §6 "Environment / systemd"). It is a no-op outside a unit with
// Type=notify, where NOTIFY_SOCKET is unset.
//
// This dials NOTIFY_SOCKET directly with a raw AF_UNIX/SOCK_DGRAM socket
// rather than pulling in a sdnotify library, matching the rest of this
// package's preference for golang.org/x/sys/unix over a higher-level
// wrapper for a handful of syscalls.
func NotifyReady() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrUnix{Name: addr}
	if err := unix.Connect(fd, sa); err != nil {
		return err
	}
	_, err = unix.Write(fd, []byte("READY=1\n"))
	return err
}
