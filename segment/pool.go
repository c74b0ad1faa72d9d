// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// StagingPool loans fixed-size off-heap write buffers to segments. The
// buffers are anonymous mappings so they live outside the Go heap and can be
// pinned with mlock; each is handed out to at most one segment at a time and
// comes back when the segment has fully committed.
type StagingPool struct {
	bufSize int64
	buffers chan []byte

	// all keeps every mapping so Close can unmap them even while loaned out.
	all [][]byte

	logger log.Logger
}

// NewStagingPool allocates count anonymous buffers of bufSize bytes each.
// The buffers are mlocked best-effort; running without the lock only costs
// predictability, not correctness.
func NewStagingPool(count int, bufSize int64, logger log.Logger) (*StagingPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("staging pool needs at least one buffer, got %d", count)
	}
	if bufSize <= 0 || bufSize%osPageSize != 0 {
		return nil, fmt.Errorf("staging buffer size %d must be a positive multiple of %d", bufSize, osPageSize)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p := &StagingPool{
		bufSize: bufSize,
		buffers: make(chan []byte, count),
		all:     make([][]byte, 0, count),
		logger:  logger,
	}
	for i := 0; i < count; i++ {
		buf, err := mmapAnon(bufSize)
		if err != nil {
			p.Close()
			return nil, err
		}
		if lockErr := mlock(buf); lockErr != nil {
			level.Warn(logger).Log("msg", "mlock of staging buffer failed", "err", lockErr)
		}
		p.all = append(p.all, buf)
		p.buffers <- buf
	}
	return p, nil
}

// Borrow hands out a free buffer, or nil when every buffer is loaned out.
func (p *StagingPool) Borrow() []byte {
	select {
	case buf := <-p.buffers:
		return buf
	default:
		level.Warn(p.logger).Log("msg", "staging pool exhausted", "capacity", cap(p.buffers))
		return nil
	}
}

// Return recycles a previously borrowed buffer.
func (p *StagingPool) Return(buf []byte) {
	select {
	case p.buffers <- buf:
	default:
		// Returning more buffers than were borrowed is a caller bug.
		level.Error(p.logger).Log("msg", "staging pool overflow on return")
	}
}

// Available returns how many buffers are currently free.
func (p *StagingPool) Available() int {
	return len(p.buffers)
}

// Close unmaps all buffers. No segment may still be using one.
func (p *StagingPool) Close() {
	for _, buf := range p.all {
		if err := munmap(buf); err != nil {
			level.Error(p.logger).Log("msg", "munmap of staging buffer failed", "err", err)
		}
	}
	p.all = nil
}
