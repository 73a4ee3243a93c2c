// Package rberrors defines the error taxonomy shared by every layer of the
// server (spec.md §7). Handlers translate these into response status bytes;
// VersionMismatch, Corrupt, and protocol violations additionally close the
// connection (spec.md §4.4, §4.5).
package rberrors

import "errors"

var (
	// ErrInvalidArgument: malformed request, unknown opcode, mime too long,
	// bad ring kind.
	ErrInvalidArgument = errors.New("ringboard: invalid argument")
	// ErrIdNotFound: ring slot is Uninit, or the id is out of range for its ring.
	ErrIdNotFound = errors.New("ringboard: id not found")
	// ErrVersionMismatch: protocol version byte disagrees with the server.
	ErrVersionMismatch = errors.New("ringboard: version mismatch")
	// ErrEmptyInput: Add with a zero-byte payload.
	ErrEmptyInput = errors.New("ringboard: empty input")
	// ErrOutOfSpace: the filesystem rejected a grow.
	ErrOutOfSpace = errors.New("ringboard: out of space")
	// ErrCorrupt: detected at startup or during GC; the server refuses to run.
	ErrCorrupt = errors.New("ringboard: corrupt on-disk state")
	// ErrTimeout: payload ingestion exceeded its deadline.
	ErrTimeout = errors.New("ringboard: timeout")
	// ErrAlreadyRunning: the advisory lock is held by another process.
	ErrAlreadyRunning = errors.New("ringboard: already running")
)
