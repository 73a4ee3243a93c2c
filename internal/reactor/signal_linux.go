package reactor

import (
	"golang.org/x/sys/unix"
)

// newSignalFD blocks SIGINT/SIGTERM from ordinary delivery and returns a
// signalfd that reports them as readable events inside this reactor's own
// epoll set, so shutdown is just another completion rather than a signal
// handler racing the event loop (spec.md §4.3 "Cancellation").
func newSignalFD() (int, error) {
	var set unix.Sigset_t
	sigaddset(&set, int(unix.SIGINT))
	sigaddset(&set, int(unix.SIGTERM))

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return 0, err
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return 0, err
	}
	return fd, nil
}

// sigaddset sets the bit for sig in set. golang.org/x/sys/unix's Sigset_t on
// linux/amd64 is a [16]uint64 word array with no exported add helper.
func sigaddset(set *unix.Sigset_t, sig int) {
	set.Val[(sig-1)/64] |= 1 << uint((sig-1)%64)
}

// readSignalFD consumes one signalfd_siginfo record, returning the
// delivered signal number.
func readSignalFD(fd int) int {
	var buf [128]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n < 4 {
		return 0
	}
	return int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
}
