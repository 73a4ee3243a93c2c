package server

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"ringboard/internal/config"
	"ringboard/internal/reactor"
)

// Listener owns the listening socket and the set of live connections,
// applying the accept-side backpressure described in spec.md §4.3: once the
// number of in-flight connections reaches the configured watermark, the
// listening fd is unregistered from the reactor (so no further accepts are
// submitted) until a connection closes and drains the set below it.
type Listener struct {
	loop     *reactor.Loop
	listenFD int
	store    *Store
	log      *zap.SugaredLogger
	level    AtomicLevel
	cfg      *config.Store

	conns  map[*conn]struct{}
	paused bool
}

// Listen registers listenFD with loop and begins accepting connections,
// each driving the request/response cycle against store.
func Listen(loop *reactor.Loop, listenFD int, store *Store, log *zap.SugaredLogger, level AtomicLevel, cfg *config.Store) (*Listener, error) {
	l := &Listener{
		loop:     loop,
		listenFD: listenFD,
		store:    store,
		log:      log,
		level:    level,
		cfg:      cfg,
		conns:    make(map[*conn]struct{}),
	}
	if err := loop.RegisterFD(listenFD, reactor.EventRead, l.onAcceptable); err != nil {
		return nil, fmt.Errorf("server: register listener: %w", err)
	}
	return l, nil
}

func (l *Listener) watermark() int {
	if n := l.cfg.Get().Backpressure.MaxInFlightConns; n > 0 {
		return n
	}
	return 256
}

// onAcceptable drains every pending connection on the listening socket,
// accepting non-blocking (spec.md §4.3) until EAGAIN or the watermark is
// reached.
func (l *Listener) onAcceptable(reactor.Events) {
	for {
		if len(l.conns) >= l.watermark() {
			l.pauseAccept()
			return
		}

		fd, ok, err := reactor.AcceptNonblock(l.listenFD)
		if err != nil {
			l.log.Errorw("accept failed", "error", err)
			return
		}
		if !ok {
			return
		}

		ingestDeadline := l.cfg.Get().Backpressure.IngestDeadline
		c := newConn(fd, l.loop, l.store, l.log, l.level, ingestDeadline, l.onConnClosed)
		l.conns[c] = struct{}{}
	}
}

func (l *Listener) pauseAccept() {
	if l.paused {
		return
	}
	l.paused = true
	if err := l.loop.UnregisterFD(l.listenFD); err != nil {
		l.log.Errorw("failed to pause accept", "error", err)
	}
}

func (l *Listener) resumeAccept() {
	if !l.paused {
		return
	}
	l.paused = false
	if err := l.loop.RegisterFD(l.listenFD, reactor.EventRead, l.onAcceptable); err != nil {
		l.log.Errorw("failed to resume accept", "error", err)
	}
}

// onConnClosed drops a closed connection from the live set, resuming
// accepts if the watermark had paused them.
func (l *Listener) onConnClosed(c *conn) {
	delete(l.conns, c)
	if len(l.conns) < l.watermark() {
		l.resumeAccept()
	}
}

// Close shuts down every live connection, stops accepting, and closes the
// listening fd (created outside this package by reactor.ListenUnix).
func (l *Listener) Close() {
	if !l.paused {
		l.loop.UnregisterFD(l.listenFD)
	}
	for c := range l.conns {
		c.close()
	}
	unix.Close(l.listenFD)
}
