// Package reactor implements the single-thread, completion-queue I/O loop
// described in spec.md §4.3: one epoll set multiplexes the listening
// socket, every client connection, and a signalfd for SIGINT/SIGTERM, while
// a list of one-shot timers for per-operation deadlines bounds each
// EpollWait by its earliest deadline. The signalfd is the reactor's only
// cancellation trigger. There is no worker pool and no cross-thread
// messaging; everything in this package runs on the goroutine that calls
// Run.
//
// The epoll plumbing is grounded on the FastPoller in
// github.com/joeycumines/go-eventloop (part of the retrieval pack's
// joeycumines/go-utilpkg workspace): EpollCreate1/EpollCtl/EpollWait via
// golang.org/x/sys/unix, and an eventfd for wakeups. Unlike that poller,
// this one is used from a single goroutine only, so its internal tables
// need no synchronization.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of I/O readiness conditions.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e Events) toEpoll() uint32 {
	var out uint32
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(raw uint32) Events {
	var out Events
	if raw&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if raw&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if raw&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= EventHangup
	}
	return out
}

// Callback is invoked when a registered fd becomes ready.
type Callback func(Events)

type fdEntry struct {
	cb     Callback
	events Events
}

// pendingTimer is a one-shot deadline callback (used for per-connection
// payload-ingestion timeouts, spec.md §4.3 "Backpressure"/§5 "Cancellation
// / timeouts").
type pendingTimer struct {
	id       uint64
	deadline time.Time
	cb       func()
	canceled bool
}

// Loop is the single-threaded epoll reactor.
type Loop struct {
	epfd   int
	wakeFD int
	sigFD  int

	fds map[int]*fdEntry

	timers  []*pendingTimer
	nextTID uint64

	stopping bool
	eventBuf [256]unix.EpollEvent
}

// New creates the epoll instance, the wakeup eventfd, and a signalfd
// watching SIGINT/SIGTERM, and registers both with epoll.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	l := &Loop{epfd: epfd, fds: make(map[int]*fdEntry)}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	l.wakeFD = wakeFD
	if err := l.epollAdd(wakeFD, EventRead); err != nil {
		l.closeFDs()
		return nil, err
	}

	sigFD, err := newSignalFD()
	if err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("reactor: signalfd: %w", err)
	}
	l.sigFD = sigFD
	if err := l.epollAdd(sigFD, EventRead); err != nil {
		l.closeFDs()
		return nil, err
	}

	return l, nil
}

func (l *Loop) closeFDs() {
	if l.wakeFD != 0 {
		unix.Close(l.wakeFD)
	}
	if l.sigFD != 0 {
		unix.Close(l.sigFD)
	}
	if l.epfd != 0 {
		unix.Close(l.epfd)
	}
}

func (l *Loop) epollAdd(fd int, events Events) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events.toEpoll(), Fd: int32(fd)})
}

// RegisterFD starts monitoring fd for events, invoking cb on readiness.
func (l *Loop) RegisterFD(fd int, events Events, cb Callback) error {
	if _, exists := l.fds[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	if err := l.epollAdd(fd, events); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	l.fds[fd] = &fdEntry{cb: cb, events: events}
	return nil
}

// ModifyFD changes the monitored event set for fd.
func (l *Loop) ModifyFD(fd int, events Events) error {
	e, ok := l.fds[fd]
	if !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events.toEpoll(), Fd: int32(fd)}); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	e.events = events
	return nil
}

// UnregisterFD stops monitoring fd. It does not close fd.
func (l *Loop) UnregisterFD(fd int) error {
	if _, ok := l.fds[fd]; !ok {
		return nil
	}
	delete(l.fds, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// AfterFunc schedules cb to run after d, driven by the loop's own clock
// (spec.md §5 "Per-operation timeouts"). Returns an id that can be passed
// to CancelTimer.
func (l *Loop) AfterFunc(d time.Duration, cb func()) uint64 {
	l.nextTID++
	t := &pendingTimer{id: l.nextTID, deadline: time.Now().Add(d), cb: cb}
	l.timers = append(l.timers, t)
	return t.id
}

// CancelTimer cancels a pending timer; a no-op if it already fired.
func (l *Loop) CancelTimer(id uint64) {
	for _, t := range l.timers {
		if t.id == id {
			t.canceled = true
			return
		}
	}
}

func (l *Loop) nextDeadlineMillis() int {
	if len(l.timers) == 0 {
		return -1
	}
	earliest := time.Time{}
	for _, t := range l.timers {
		if t.canceled {
			continue
		}
		if earliest.IsZero() || t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	if earliest.IsZero() {
		return -1
	}
	ms := time.Until(earliest).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(ms)
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	live := l.timers[:0]
	for _, t := range l.timers {
		if t.canceled {
			continue
		}
		if !now.Before(t.deadline) {
			t.cb()
			continue
		}
		live = append(live, t)
	}
	l.timers = live
}

// Stop requests the loop exit at the next iteration; safe to call from
// within a callback. It wakes a blocked EpollWait immediately.
func (l *Loop) Stop() {
	l.stopping = true
	var one [8]byte
	one[0] = 1
	unix.Write(l.wakeFD, one[:])
}

// Run blocks, dispatching I/O completions and timers until Stop is called.
// A SIGINT/SIGTERM delivered via the signalfd registered in New also calls
// Stop (spec.md §4.3 "Cancellation").
func (l *Loop) Run() error {
	for !l.stopping {
		timeout := l.nextDeadlineMillis()
		n, err := unix.EpollWait(l.epfd, l.eventBuf[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(l.eventBuf[i].Fd)
			switch fd {
			case l.wakeFD:
				drainEventfd(l.wakeFD)
			case l.sigFD:
				l.handleSignal()
			default:
				if e, ok := l.fds[fd]; ok {
					e.cb(fromEpoll(l.eventBuf[i].Events))
				}
			}
		}
		l.runDueTimers()
	}
	return nil
}

func drainEventfd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func (l *Loop) handleSignal() {
	_ = readSignalFD(l.sigFD)
	l.Stop()
}

// Close releases the epoll, eventfd, and signalfd. Registered client fds
// are the caller's responsibility.
func (l *Loop) Close() error {
	l.closeFDs()
	return nil
}
