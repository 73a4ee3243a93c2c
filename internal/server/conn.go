package server

import (
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"ringboard/internal/protocol"
	"ringboard/internal/reactor"
)

// connState is the per-connection state machine from spec.md §4.5:
// AwaitingHeader -> AwaitingAncillary (only if the decoded opcode expects a
// payload fd and it hasn't arrived yet) -> Dispatching -> Responding ->
// AwaitingHeader, with Closed as the only terminal state.
type connState int

const (
	stateAwaitingHeader connState = iota
	stateAwaitingAncillary
	stateDispatching
	stateResponding
	stateClosed
)

// conn drives one client connection's request/response cycle. Requests
// within a connection are strictly sequential (spec.md §5): a conn never
// begins reading the next header until the previous response is fully
// sent.
type conn struct {
	fd    int
	loop  *reactor.Loop
	store *Store
	log   *zap.SugaredLogger
	level AtomicLevel

	ingestDeadline time.Duration
	onClose        func(*conn)

	state connState

	reqBuf    [protocol.RequestSize]byte
	reqFilled int
	req       protocol.Request

	payload    *os.File
	timerID    uint64
	haveTimer  bool

	respBuf        []byte
	respSent       int
	closeOnRespond bool
}

func newConn(fd int, loop *reactor.Loop, store *Store, log *zap.SugaredLogger, level AtomicLevel, ingestDeadline time.Duration, onClose func(*conn)) *conn {
	c := &conn{
		fd:             fd,
		loop:           loop,
		store:          store,
		log:            log,
		level:          level,
		ingestDeadline: ingestDeadline,
		onClose:        onClose,
		state:          stateAwaitingHeader,
	}
	loop.RegisterFD(fd, reactor.EventRead, c.onEvent)
	return c
}

// onEvent is the single epoll callback for this connection's fd. The
// reactor delivers one callback per fd covering every ready event, so read
// and write readiness are dispatched from here rather than via separate
// registrations.
func (c *conn) onEvent(ev reactor.Events) {
	if c.state == stateClosed {
		return
	}
	if ev&(reactor.EventError|reactor.EventHangup) != 0 {
		c.close()
		return
	}

	if ev&reactor.EventWrite != 0 {
		c.onWritable()
		if c.state == stateClosed {
			return
		}
	}
	if ev&reactor.EventRead != 0 {
		switch c.state {
		case stateAwaitingHeader, stateAwaitingAncillary:
			c.readHeader()
		}
	}
}

// readHeader drains the socket into reqBuf via recvmsg, so a file
// descriptor the client attached via SCM_RIGHTS is captured no matter which
// read call it rides in on (spec.md §6 "attach a file descriptor via
// ancillary data").
func (c *conn) readHeader() {
	for c.reqFilled < len(c.reqBuf) {
		n, fd, gotFD, err := protocol.RecvWithFD(c.fd, c.reqBuf[c.reqFilled:])
		if err != nil {
			if err == unix.EAGAIN {
				c.state = stateAwaitingHeader
				return
			}
			c.close()
			return
		}
		if n == 0 && !gotFD {
			c.close() // peer EOF
			return
		}
		if gotFD {
			c.adoptPayloadFD(fd)
		}
		c.reqFilled += n
	}

	req, err := protocol.Decode(c.reqBuf[:])
	if err != nil {
		c.respondAndClose(protocol.Opcode(c.reqBuf[1]), protocol.StatusInvalidArgument, 0)
		return
	}
	c.req = req

	if err := req.CheckVersion(); err != nil {
		c.respondAndClose(req.Opcode, protocol.StatusVersionMismatch, 0)
		return
	}

	if req.Opcode.HasAncillaryFD() && c.payload == nil {
		c.state = stateAwaitingAncillary
		c.armIngestTimer()
		return
	}

	c.disarmIngestTimer()
	c.dispatch()
}

func (c *conn) adoptPayloadFD(fd int) {
	c.payload = os.NewFile(uintptr(fd), "ringboard-payload")
}

func (c *conn) armIngestTimer() {
	if c.haveTimer {
		return
	}
	c.haveTimer = true
	c.timerID = c.loop.AfterFunc(c.ingestDeadline, func() {
		c.haveTimer = false
		c.respondAndClose(c.req.Opcode, protocol.StatusTimeout, 0)
	})
}

func (c *conn) disarmIngestTimer() {
	if !c.haveTimer {
		return
	}
	c.loop.CancelTimer(c.timerID)
	c.haveTimer = false
}

// dispatch runs the handler for the fully-decoded request. All of this
// work is in-memory or local-disk and runs to completion inline: only
// socket I/O suspends on the reactor (spec.md §5 "a handler may suspend
// only at an I/O boundary" — none of our on-disk stores are sockets).
func (c *conn) dispatch() {
	c.state = stateDispatching

	var status protocol.Status
	var payload uint64

	switch c.req.Opcode {
	case protocol.OpAdd:
		id, err := c.store.Add(c.req.Ring, c.req.Mime, c.payload)
		status, payload = protocol.StatusFor(err), uint64(id)
	case protocol.OpMoveToFront:
		id, err := c.store.MoveToFront(c.req.ID1, c.req.HasTarget, c.req.TargetRing)
		status, payload = protocol.StatusFor(err), uint64(id)
	case protocol.OpSwap:
		err := c.store.Swap(c.req.ID1, c.req.ID2)
		status = protocol.StatusFor(err)
	case protocol.OpRemove:
		err := c.store.Remove(c.req.ID1)
		status = protocol.StatusFor(err)
	case protocol.OpGarbageCollect:
		freed, err := c.store.GarbageCollect(c.req.MaxWasted)
		status, payload = protocol.StatusFor(err), freed
	case protocol.OpReloadSettings:
		err := c.store.ReloadSettings(c.level)
		status = protocol.StatusFor(err)
	default:
		status = protocol.StatusInvalidArgument
	}

	if c.payload != nil {
		c.payload.Close()
		c.payload = nil
	}

	// Corrupt is the only handler status that closes the connection here
	// (spec.md §7 "Propagation policy"); version mismatches and undecodable
	// frames were already answered and closed in readHeader. Every other
	// status is reported and the connection stays open for the next request.
	if status == protocol.StatusCorrupt {
		c.closeOnRespond = true
	}
	c.respond(c.req.Opcode, status, payload)
}

func (c *conn) respondAndClose(op protocol.Opcode, status protocol.Status, payload uint64) {
	c.closeOnRespond = true
	c.respond(op, status, payload)
}

func (c *conn) respond(op protocol.Opcode, status protocol.Status, payload uint64) {
	c.state = stateResponding
	c.respBuf = protocol.Encode(op, status, payload)
	c.respSent = 0
	c.loop.ModifyFD(c.fd, reactor.EventRead|reactor.EventWrite)
	c.tryWrite()
}

func (c *conn) onWritable() {
	if c.state != stateResponding {
		return
	}
	c.tryWrite()
}

func (c *conn) tryWrite() {
	for c.respSent < len(c.respBuf) {
		n, err := unix.Write(c.fd, c.respBuf[c.respSent:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.close()
			return
		}
		c.respSent += n
	}

	if c.closeOnRespond {
		c.close()
		return
	}

	c.reqFilled = 0
	c.state = stateAwaitingHeader
	c.loop.ModifyFD(c.fd, reactor.EventRead)
}

func (c *conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.disarmIngestTimer()
	if c.payload != nil {
		c.payload.Close()
	}
	c.loop.UnregisterFD(c.fd)
	unix.Close(c.fd)
	if c.onClose != nil {
		c.onClose(c)
	}
}
