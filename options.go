// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package commitlog

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/commitlog/segment"
	"github.com/dreamsxin/commitlog/types"
)

// Option configures a Queue at Open time.
type Option func(*Queue)

// WithSegmentSize overrides the default 64MiB segment file size. Must be a
// positive multiple of the OS page size.
func WithSegmentSize(size int64) Option {
	return func(q *Queue) {
		q.segmentSize = size
	}
}

// WithLogger sets the logger used by the queue and its segments. Defaults to
// a nop logger.
func WithLogger(l log.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithMetricsRegisterer sets where queue metrics are registered. Defaults to
// an unregistered (throwaway) registry so tests and embedders don't collide.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) {
		q.reg = reg
	}
}

// WithAppendCallback replaces the default length-prefix frame codec with a
// custom message encoder.
func WithAppendCallback(cb types.AppendCallback) Option {
	return func(q *Queue) {
		q.codec = cb
	}
}

// WithStagingPool attaches an externally owned staging pool; newly rolled
// segments borrow their write buffers from it.
func WithStagingPool(pool types.StagingPool) Option {
	return func(q *Queue) {
		q.pool = pool
	}
}

// WithStagingBuffers makes the queue own a staging pool of count buffers of
// the segment size. The pool is torn down when the queue closes.
func WithStagingBuffers(count int) Option {
	return func(q *Queue) {
		q.stagingBuffers = count
	}
}

// WithFlushMode selects SyncFlush (force after every append) or AsyncFlush
// (leave forcing to the background service, the default).
func WithFlushMode(mode segment.FlushMode) Option {
	return func(q *Queue) {
		q.flushMode = mode
	}
}

// WithFlushInterval sets the background flush cadence. Defaults to 500ms.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.flushInterval = d
	}
}

// WithFlushPages sets how many whole dirty pages the background service waits
// for before forcing. Zero flushes any pending byte.
func WithFlushPages(n int) Option {
	return func(q *Queue) {
		q.flushPages = n
	}
}

// WithCommitPages sets how many whole staged pages the background service
// waits for before committing. Zero commits any pending byte.
func WithCommitPages(n int) Option {
	return func(q *Queue) {
		q.commitPages = n
	}
}

// WithWarmup pre-faults and mlocks every newly rolled segment. mode controls
// whether the warm-up loop also forces pages to disk as it goes.
func WithWarmup(mode segment.FlushMode) Option {
	return func(q *Queue) {
		q.warmSegments = true
		q.warmMode = mode
	}
}

func (q *Queue) applyDefaultsAndValidate() error {
	if q.segmentSize == 0 {
		q.segmentSize = DefaultSegmentSize
	}
	if q.segmentSize <= 0 || q.segmentSize%4096 != 0 {
		return fmt.Errorf("segment size %d must be a positive multiple of the OS page size", q.segmentSize)
	}
	if q.logger == nil {
		q.logger = log.NewNopLogger()
	}
	if q.reg == nil {
		q.reg = prometheus.NewRegistry()
	}
	if q.codec == nil {
		q.codec = newFrameCodec(q.segmentSize)
	}
	if q.flushInterval == 0 {
		q.flushInterval = 500 * time.Millisecond
	}
	if q.flushInterval < 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if q.stagingBuffers < 0 {
		return fmt.Errorf("staging buffer count must be non-negative")
	}
	if q.stagingBuffers > 0 && q.pool != nil {
		return fmt.Errorf("WithStagingBuffers and WithStagingPool are mutually exclusive")
	}
	if q.warmPages == 0 {
		// Matches the flush threshold used while warming: force every 4096
		// touched pages, i.e. every 16MiB.
		q.warmPages = 4096
	}
	return nil
}
