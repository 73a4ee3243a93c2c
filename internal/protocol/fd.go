package protocol

import (
	"golang.org/x/sys/unix"
)

// oobSpace is the ancillary-data buffer size for a single passed fd.
var oobSpace = unix.CmsgSpace(4)

// RecvWithFD performs one recvmsg on sockFD (a non-blocking stream socket)
// into buf and returns the number of bytes read, which may be less than
// len(buf). If a file descriptor was sent as SCM_RIGHTS ancillary data it is
// returned as payloadFD with gotFD true. When the call would block, err is
// unix.EAGAIN, so callers driven by epoll can retry.
func RecvWithFD(sockFD int, buf []byte) (n int, payloadFD int, gotFD bool, err error) {
	oob := make([]byte, oobSpace)
	n, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
	if err != nil {
		return 0, -1, false, err
	}
	if oobn > 0 {
		msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, m := range msgs {
				fds, ferr := unix.ParseUnixRights(&m)
				if ferr == nil && len(fds) > 0 {
					payloadFD = fds[0]
					gotFD = true
				}
			}
		}
	}
	return n, payloadFD, gotFD, nil
}
