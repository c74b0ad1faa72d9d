// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types contains the shared types and interfaces that the commitlog
// packages exchange with each other and with external collaborators such as
// message encoders and staging buffer pools.
package types

import (
	"errors"
	"time"
)

var (
	// ErrClosed is returned when an operation is attempted on a log that has
	// already been closed or destroyed.
	ErrClosed = errors.New("commitlog: closed")

	// ErrSegmentFull is returned when a segment has no capacity left for the
	// requested write.
	ErrSegmentFull = errors.New("commitlog: segment full")

	// ErrOutOfRange is returned when a read position is outside the readable
	// range of the log.
	ErrOutOfRange = errors.New("commitlog: offset out of range")

	// ErrTooLarge is returned when a message body exceeds the maximum size a
	// single segment can hold.
	ErrTooLarge = errors.New("commitlog: message too large")

	// ErrCorrupt is returned when recovery finds the segment files of a log
	// inconsistent, such as a gap between consecutive segment offsets.
	ErrCorrupt = errors.New("commitlog: corrupt data")
)

// Message is one unit of data handed to the log for appending. The encoder
// decides how it is framed on disk; the storage layer treats it as opaque.
type Message struct {
	// Body is the payload to be stored.
	Body []byte

	// Timestamp is when the message was accepted. Zero means "stamp at
	// append time".
	Timestamp time.Time
}

// AppendStatus describes the outcome of encoding a message into a segment.
type AppendStatus int

const (
	// AppendOK means the message was fully encoded into the segment.
	AppendOK AppendStatus = iota

	// AppendEndOfFile means the segment had too little room for the message.
	// The encoder has consumed the remaining bytes so the segment is full and
	// the caller should retry on a fresh segment.
	AppendEndOfFile

	// AppendTooLarge means the message can never fit in a segment of this
	// size. Nothing was written.
	AppendTooLarge

	// AppendUnknownError means the append failed for an unexpected reason,
	// e.g. the segment was already full on entry.
	AppendUnknownError
)

// AppendResult is returned by an AppendCallback and describes what was
// written.
type AppendResult struct {
	// Status is the outcome of the encode.
	Status AppendStatus

	// WroteBytes is how many bytes of the segment the encoder consumed. It is
	// added to the segment's write position even for AppendEndOfFile where the
	// encoder pads out the remainder of the segment.
	WroteBytes int

	// LogOffset is the absolute log offset at which the message starts. Only
	// meaningful for AppendOK.
	LogOffset int64

	// StoreTimestamp is the wall-clock time the encoder stamped the message
	// with. The segment records it as its last-store timestamp.
	StoreTimestamp time.Time
}

// AppendCallback lays a message out into segment memory. The segment hands it
// a slice of its active buffer starting at the current write position; the
// callback owns message framing and must detect "not enough room" itself by
// comparing its needs against remaining.
type AppendCallback interface {
	// DoAppend encodes msg into buf. fileFromOffset is the absolute log
	// offset of byte 0 of the segment buf belongs to, and remaining is how
	// many bytes are left in the segment (== len(buf)).
	DoAppend(fileFromOffset int64, buf []byte, remaining int, msg *Message) AppendResult
}

// StagingPool loans fixed-size write buffers to segments. A borrowed buffer
// is written by the appender, drained into the segment file by commit and
// returned exactly once when the segment has fully committed.
type StagingPool interface {
	// Borrow returns a buffer of at least the pool's configured size, or nil
	// if the pool is exhausted.
	Borrow() []byte

	// Return gives a borrowed buffer back to the pool.
	Return(buf []byte)
}
