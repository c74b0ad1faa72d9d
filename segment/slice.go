// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import "sync/atomic"

// Slice is a borrowed, read-only view into a segment's mapped region. It
// holds one reference against the segment so teardown is deferred until the
// slice is released. Callers must call Release exactly once when done; the
// bytes must not be used afterwards.
type Slice struct {
	seg      *Segment
	offset   int64
	data     []byte
	released atomic.Bool
}

// Offset returns the absolute log offset of the first byte of the slice.
func (s *Slice) Offset() int64 {
	return s.offset
}

// Len returns the number of readable bytes.
func (s *Slice) Len() int {
	return len(s.data)
}

// Bytes returns the underlying view of segment memory. It is valid until
// Release is called and must not be written to.
func (s *Slice) Bytes() []byte {
	return s.data
}

// Segment returns the segment this slice reads from.
func (s *Slice) Segment() *Segment {
	return s.seg
}

// Release drops the slice's reference against its segment. Safe to call more
// than once; only the first call has any effect.
func (s *Slice) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.seg.release()
	}
}
