// Package protocol implements the fixed-layout request/response codec used
// over the local stream socket (spec.md §6). Frames are fixed-size records,
// not length-prefixed; Add additionally carries a payload file descriptor
// as ancillary (SCM_RIGHTS) data.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ringboard/internal/layout"
	"ringboard/internal/rberrors"
)

// Opcode identifies the requested operation.
type Opcode uint8

const (
	OpAdd Opcode = iota + 1
	OpMoveToFront
	OpSwap
	OpRemove
	OpGarbageCollect
	OpReloadSettings
)

func (op Opcode) String() string {
	switch op {
	case OpAdd:
		return "Add"
	case OpMoveToFront:
		return "MoveToFront"
	case OpSwap:
		return "Swap"
	case OpRemove:
		return "Remove"
	case OpGarbageCollect:
		return "GarbageCollect"
	case OpReloadSettings:
		return "ReloadSettings"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
}

// HasAncillaryFD reports whether requests of this opcode carry an attached
// payload file descriptor.
func (op Opcode) HasAncillaryFD() bool { return op == OpAdd }

const (
	// reqPayloadSize is the largest per-opcode request payload: Add's
	// ring(1) + mime(16).
	reqPayloadSize = 17
	// RequestSize is the fixed size of every request record:
	// version(1) + opcode(1) + payload.
	RequestSize = 2 + reqPayloadSize

	// respPayloadSize is the largest per-opcode response payload: an
	// 8-byte id / freed-byte count.
	respPayloadSize = 8
	// ResponseSize is the fixed size of every response record:
	// version(1) + opcode(1) + status(1) + payload.
	ResponseSize = 3 + respPayloadSize
)

// Status is the response status byte. Zero means success; every other
// value names a failure kind (spec.md §7).
type Status uint8

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusIdNotFound
	StatusVersionMismatch
	StatusEmptyInput
	StatusOutOfSpace
	StatusCorrupt
	StatusTimeout
	StatusAlreadyRunning
	StatusInternal
)

// StatusFor maps a sentinel error from rberrors to a wire status. Unknown
// errors map to StatusInternal.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, rberrors.ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, rberrors.ErrIdNotFound):
		return StatusIdNotFound
	case errors.Is(err, rberrors.ErrVersionMismatch):
		return StatusVersionMismatch
	case errors.Is(err, rberrors.ErrEmptyInput):
		return StatusEmptyInput
	case errors.Is(err, rberrors.ErrOutOfSpace):
		return StatusOutOfSpace
	case errors.Is(err, rberrors.ErrCorrupt):
		return StatusCorrupt
	case errors.Is(err, rberrors.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, rberrors.ErrAlreadyRunning):
		return StatusAlreadyRunning
	default:
		return StatusInternal
	}
}

// Request is the decoded form of a fixed request record.
type Request struct {
	Version Version
	Opcode  Opcode

	// Add
	Ring byte
	Mime string

	// MoveToFront / Swap / Remove
	ID1          uint64
	ID2          uint64
	HasTarget    bool
	TargetRing   byte

	// GarbageCollect
	MaxWasted uint64
}

// Version is the raw protocol version byte of an inbound request.
type Version = byte

// Decode parses a RequestSize-byte frame. It does not validate opcode-
// specific fields beyond basic framing; handlers perform semantic
// validation (spec.md §4.4 "Inputs are validated before any state is
// mutated").
func Decode(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("protocol: %w: short frame (%d bytes)", rberrors.ErrInvalidArgument, len(buf))
	}
	var r Request
	r.Version = buf[0]
	r.Opcode = Opcode(buf[1])
	p := buf[2:]

	switch r.Opcode {
	case OpAdd:
		r.Ring = p[0]
		end := 1
		for end < 1+16 && p[end] != 0 {
			end++
		}
		r.Mime = string(p[1:end])
	case OpMoveToFront:
		r.ID1 = binary.LittleEndian.Uint64(p[0:8])
		r.HasTarget = p[8] != 0
		r.TargetRing = p[9]
	case OpSwap:
		r.ID1 = binary.LittleEndian.Uint64(p[0:8])
		r.ID2 = binary.LittleEndian.Uint64(p[8:16])
	case OpRemove:
		r.ID1 = binary.LittleEndian.Uint64(p[0:8])
	case OpGarbageCollect:
		r.MaxWasted = binary.LittleEndian.Uint64(p[0:8])
	case OpReloadSettings:
		// no payload
	default:
		return Request{}, fmt.Errorf("protocol: %w: unknown opcode %d", rberrors.ErrInvalidArgument, r.Opcode)
	}
	return r, nil
}

// CheckVersion reports whether the request's version byte matches the
// server's current layout version.
func (r Request) CheckVersion() error {
	if r.Version != layout.CurrentVersion {
		return fmt.Errorf("protocol: %w: client=%d server=%d", rberrors.ErrVersionMismatch, r.Version, layout.CurrentVersion)
	}
	return nil
}

// Response is the decoded form of a fixed response record, for tests and
// the reader-side test harness.
type Response struct {
	Opcode  Opcode
	Status  Status
	Payload uint64 // id / freed_bytes, meaningful only on StatusOK
}

// Encode serializes a Response into a ResponseSize-byte frame.
func Encode(opcode Opcode, status Status, payload uint64) []byte {
	buf := make([]byte, ResponseSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(opcode)
	buf[2] = byte(status)
	binary.LittleEndian.PutUint64(buf[3:11], payload)
	return buf
}

// DecodeResponse parses a ResponseSize-byte frame.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, fmt.Errorf("protocol: %w: short response frame (%d bytes)", rberrors.ErrInvalidArgument, len(buf))
	}
	return Response{
		Opcode:  Opcode(buf[1]),
		Status:  Status(buf[2]),
		Payload: binary.LittleEndian.Uint64(buf[3:11]),
	}, nil
}

// EncodeAddRequest builds a raw Add request frame (used by tests and the
// minimal reference client).
func EncodeAddRequest(ring byte, mime string) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpAdd)
	buf[2] = ring
	copy(buf[3:3+16], mime)
	return buf
}

// EncodeMoveToFrontRequest builds a raw MoveToFront request frame.
func EncodeMoveToFrontRequest(id uint64, target byte, hasTarget bool) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpMoveToFront)
	binary.LittleEndian.PutUint64(buf[2:10], id)
	if hasTarget {
		buf[10] = 1
	}
	buf[11] = target
	return buf
}

// EncodeSwapRequest builds a raw Swap request frame.
func EncodeSwapRequest(id1, id2 uint64) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpSwap)
	binary.LittleEndian.PutUint64(buf[2:10], id1)
	binary.LittleEndian.PutUint64(buf[10:18], id2)
	return buf
}

// EncodeRemoveRequest builds a raw Remove request frame.
func EncodeRemoveRequest(id uint64) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpRemove)
	binary.LittleEndian.PutUint64(buf[2:10], id)
	return buf
}

// EncodeGarbageCollectRequest builds a raw GarbageCollect request frame.
func EncodeGarbageCollectRequest(maxWasted uint64) []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpGarbageCollect)
	binary.LittleEndian.PutUint64(buf[2:10], maxWasted)
	return buf
}

// EncodeReloadSettingsRequest builds a raw ReloadSettings request frame.
func EncodeReloadSettingsRequest() []byte {
	buf := make([]byte, RequestSize)
	buf[0] = layout.CurrentVersion
	buf[1] = byte(OpReloadSettings)
	return buf
}
