// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package commitlog implements an append-only, segmented message log backed
// by fixed-size memory-mapped files. A Queue groups the segments into one
// logical byte-addressed log: appends go to the tail segment (rolling to a
// new one when it fills), reads resolve an absolute offset to a segment and
// borrow a zero-copy view of its mapping, and a background service drives the
// commit and flush watermarks forward.
package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/commitlog/segment"
	"github.com/dreamsxin/commitlog/types"
)

var (
	ErrClosed     = types.ErrClosed
	ErrOutOfRange = types.ErrOutOfRange
	ErrTooLarge   = types.ErrTooLarge
	ErrCorrupt    = types.ErrCorrupt

	DefaultSegmentSize = int64(64 * 1024 * 1024)
)

// segmentNameFormat is the fixed-width decimal basename of a segment file:
// the absolute log offset of its first byte, zero-padded to 20 digits.
const segmentNameFormat = "%020d"

// checkpointFileName holds the queue's durable flush watermark. It lives in
// the queue dir but is never mistaken for a segment since segment basenames
// are purely numeric.
const checkpointFileName = "checkpoint.db"

// Queue is a logical append-only log made of consecutive fixed-size mapped
// segments.
type Queue struct {
	closed uint32 // atomically accessed, keep first for alignment.

	dir         string
	segmentSize int64

	logger  log.Logger
	metrics *queueMetrics

	codec types.AppendCallback

	// pool, when non-nil, is handed to newly rolled segments so their appends
	// go through a staged write buffer. ownedPool is set when the queue
	// created the pool itself and must tear it down on close.
	pool           types.StagingPool
	ownedPool      *segment.StagingPool
	stagingBuffers int

	checkpoint     *checkpoint
	recoveredFlush int64

	flushMode     segment.FlushMode
	flushInterval time.Duration
	flushPages    int
	commitPages   int

	warmSegments bool
	warmMode     segment.FlushMode
	warmPages    int

	lastRoll time.Time

	reg prometheus.Registerer

	// s is the current set of segments, an immutable snapshot readers can use
	// without a lock. Only the single writer mutates it, holding writeMu from
	// load to store.
	s       atomic.Value // *queueState
	writeMu sync.Mutex

	done           chan struct{}
	flusherStopped chan struct{}
}

type queueState struct {
	segments *immutable.SortedMap[int64, *segment.Segment]
}

// tail returns the highest-offset segment, or nil when the log is empty.
func (st *queueState) tail() *segment.Segment {
	it := st.segments.Iterator()
	it.Last()
	if _, seg, ok := it.Next(); ok {
		return seg
	}
	return nil
}

// first returns the lowest-offset segment, or nil when the log is empty.
func (st *queueState) first() *segment.Segment {
	it := st.segments.Iterator()
	if _, seg, ok := it.Next(); ok {
		return seg
	}
	return nil
}

// Open loads the queue stored in dir, creating the directory if needed.
// Existing segment files are mapped and their positions recovered; the tail
// segment is scanned frame by frame to find where the last run stopped
// writing.
func Open(dir string, opts ...Option) (*Queue, error) {
	q := &Queue{
		dir:            dir,
		done:           make(chan struct{}),
		flusherStopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q.metrics = newQueueMetrics(q.reg)

	cp, err := openCheckpoint(filepath.Join(dir, checkpointFileName), q.logger)
	if err != nil {
		return nil, err
	}
	q.checkpoint = cp
	q.recoveredFlush, err = cp.Flushed()
	if err != nil {
		cp.Close()
		return nil, err
	}

	if q.stagingBuffers > 0 {
		pool, err := segment.NewStagingPool(q.stagingBuffers, q.segmentSize, q.logger)
		if err != nil {
			cp.Close()
			return nil, err
		}
		q.ownedPool = pool
		q.pool = pool
	}

	state, err := q.recover()
	if err != nil {
		cp.Close()
		if q.ownedPool != nil {
			q.ownedPool.Close()
		}
		return nil, err
	}
	q.s.Store(state)

	go q.runFlusher()

	return q, nil
}

// recover maps the existing segment files in offset order and restores their
// watermarks. Sealed segments (everything but the tail) were consumed to
// their last byte by the append that sealed them, so their wrote, committed
// and flushed positions are all restored to the segment size; the tail is
// scanned to find the end of the last complete frame.
func (q *Queue) recover() (*queueState, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	var offsets []int64
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 20 {
			continue
		}
		off, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	segments := &immutable.SortedMap[int64, *segment.Segment]{}
	for i, off := range offsets {
		if i > 0 && off != offsets[i-1]+q.segmentSize {
			return nil, fmt.Errorf("%w: segment %020d does not follow %020d", ErrCorrupt, off, offsets[i-1])
		}

		path := filepath.Join(q.dir, fmt.Sprintf(segmentNameFormat, off))
		// Recovered segments never get a staging buffer: sealed ones are
		// read-only and a recovered tail keeps writing through its mapping.
		seg, err := segment.New(path, q.segmentSize, segment.WithLogger(q.logger))
		if err != nil {
			return nil, err
		}
		if i == 0 && off == offsets[0] {
			seg.SetFirstInQueue(true)
		}

		if i < len(offsets)-1 {
			seg.SetWrotePosition(q.segmentSize)
			seg.SetCommittedPosition(q.segmentSize)
			seg.SetFlushedPosition(q.segmentSize)
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("scan tail segment: %w", err)
			}
			pos := scanFrames(data)
			seg.SetWrotePosition(pos)
			seg.SetCommittedPosition(pos)
			seg.SetFlushedPosition(pos)
			level.Info(q.logger).Log("msg", "recovered tail segment", "segment", fmt.Sprintf(segmentNameFormat, off), "wrotePosition", pos)
		}

		segments = segments.Set(off, seg)
	}

	return &queueState{segments: segments}, nil
}

func (q *Queue) loadState() *queueState {
	return q.s.Load().(*queueState)
}

func (q *Queue) checkClosed() error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// Append encodes body into the tail segment and returns the absolute log
// offset it was stored at. Rolls to a fresh segment when the tail runs out of
// room.
func (q *Queue) Append(body []byte) (int64, error) {
	if err := q.checkClosed(); err != nil {
		return 0, err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	seg, err := q.tailForWriteLocked()
	if err != nil {
		return 0, err
	}

	msg := &types.Message{Body: body}
	res := seg.Append(msg, q.codec)
	if res.Status == types.AppendEndOfFile {
		// The encoder sealed the remainder of the tail; retry on a new one.
		seg, err = q.rollLocked()
		if err != nil {
			return 0, err
		}
		res = seg.Append(msg, q.codec)
	}

	switch res.Status {
	case types.AppendOK:
	case types.AppendTooLarge:
		return 0, ErrTooLarge
	default:
		return 0, fmt.Errorf("append failed with status %d", res.Status)
	}

	q.metrics.appends.Inc()
	q.metrics.bytesWritten.Add(float64(len(body)))

	if q.flushMode == segment.SyncFlush {
		seg.Commit(0)
		seg.Flush(0)
		q.metrics.flushes.Inc()
	}

	return res.LogOffset, nil
}

// tailForWriteLocked returns a segment with room to write, rolling the log
// forward if there is no tail yet or the tail is full.
func (q *Queue) tailForWriteLocked() (*segment.Segment, error) {
	if seg := q.loadState().tail(); seg != nil && !seg.IsFull() {
		return seg, nil
	}
	return q.rollLocked()
}

// rollLocked creates the next segment and publishes a state containing it.
// writeMu must be held.
func (q *Queue) rollLocked() (*segment.Segment, error) {
	st := q.loadState()

	base := int64(0)
	if tail := st.tail(); tail != nil {
		base = tail.FileFromOffset() + q.segmentSize
	}

	opts := []segment.Option{segment.WithLogger(q.logger)}
	if q.pool != nil {
		opts = append(opts, segment.WithPool(q.pool))
	}

	path := filepath.Join(q.dir, fmt.Sprintf(segmentNameFormat, base))
	seg, err := segment.New(path, q.segmentSize, opts...)
	if err != nil {
		return nil, err
	}
	if base == 0 {
		seg.SetFirstInQueue(true)
	}
	if q.warmSegments {
		seg.WarmUp(q.warmMode, q.warmPages)
	}

	q.s.Store(&queueState{segments: st.segments.Set(base, seg)})

	q.metrics.segmentRolls.Inc()
	if !q.lastRoll.IsZero() {
		q.metrics.lastSegmentAgeSeconds.Set(time.Since(q.lastRoll).Seconds())
	}
	q.lastRoll = time.Now()

	return seg, nil
}

// findSegment resolves an absolute log offset to the segment holding it.
// Segment base offsets are aligned multiples of the segment size, so the
// lookup is a single map get.
func (q *Queue) findSegment(offset int64) *segment.Segment {
	if offset < 0 {
		return nil
	}
	st := q.loadState()
	base := offset - offset%q.segmentSize
	seg, ok := st.segments.Get(base)
	if !ok {
		return nil
	}
	return seg
}

// Read returns a copy of the message body stored at offset.
func (q *Queue) Read(offset int64) ([]byte, error) {
	if err := q.checkClosed(); err != nil {
		return nil, err
	}

	seg := q.findSegment(offset)
	if seg == nil {
		return nil, ErrOutOfRange
	}

	sl := seg.SelectSliceFrom(offset - seg.FileFromOffset())
	if sl == nil {
		return nil, ErrOutOfRange
	}
	defer sl.Release()

	body, err := decodeFrame(sl.Bytes())
	if err != nil {
		return nil, err
	}
	q.metrics.reads.Inc()
	q.metrics.bytesRead.Add(float64(len(body)))
	return body, nil
}

// SelectSlice returns a borrowed zero-copy view of size raw log bytes at
// offset, or nil if the range isn't readable. The caller must Release it.
func (q *Queue) SelectSlice(offset, size int64) *segment.Slice {
	if q.checkClosed() != nil {
		return nil
	}
	seg := q.findSegment(offset)
	if seg == nil {
		return nil
	}
	return seg.SelectSlice(offset-seg.FileFromOffset(), size)
}

// Commit drains staged bytes of every segment into their files. minPages
// follows the segment commit threshold rule.
func (q *Queue) Commit(minPages int) {
	st := q.loadState()
	it := st.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		seg.Commit(minPages)
	}
	q.metrics.commits.Inc()
}

// Flush forces readable bytes of every segment to disk and records the
// queue's durable offset in the checkpoint. Returns the absolute offset below
// which the log is durable.
func (q *Queue) Flush(minPages int) int64 {
	st := q.loadState()
	var where int64
	it := st.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if seg.FlushedPosition() < seg.Size() {
			seg.Flush(minPages)
		}
		if f := seg.FlushedPosition(); f > 0 {
			if end := seg.FileFromOffset() + f; end > where {
				where = end
			}
		}
	}
	if where > 0 {
		if err := q.checkpoint.SaveFlushed(where); err != nil {
			level.Error(q.logger).Log("msg", "checkpoint update failed", "err", err)
		}
	}
	q.metrics.flushes.Inc()
	return where
}

// runFlusher periodically drives commit and flush forward until the queue
// closes, then takes a final pass so close doesn't lose readable bytes.
func (q *Queue) runFlusher() {
	defer close(q.flusherStopped)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			if q.pool != nil {
				q.Commit(0)
			}
			q.Flush(0)
			return
		case <-ticker.C:
			if q.pool != nil {
				q.Commit(q.commitPages)
			}
			q.Flush(q.flushPages)
		}
	}
}

// FirstOffset returns the absolute offset of the oldest byte in the log, or
// 0 for an empty log.
func (q *Queue) FirstOffset() int64 {
	if seg := q.loadState().first(); seg != nil {
		return seg.FileFromOffset()
	}
	return 0
}

// NextOffset returns the absolute offset the next append will be stored at.
func (q *Queue) NextOffset() int64 {
	if seg := q.loadState().tail(); seg != nil {
		return seg.FileFromOffset() + seg.WrotePosition()
	}
	return 0
}

// RecoveredFlushOffset returns the durable offset recorded by the previous
// run's checkpoint, as read at Open.
func (q *Queue) RecoveredFlushOffset() int64 {
	return q.recoveredFlush
}

// Close flushes, unmaps and closes every segment, keeping the files on disk.
// Safe to call more than once.
func (q *Queue) Close() error {
	if !atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		return nil
	}

	close(q.done)
	<-q.flusherStopped

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	st := q.loadState()
	it := st.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		q.drainSegment(seg, (*segment.Segment).Close)
	}
	q.s.Store(&queueState{segments: &immutable.SortedMap[int64, *segment.Segment]{}})

	err := q.checkpoint.Close()
	if q.ownedPool != nil {
		q.ownedPool.Close()
	}
	return err
}

// Destroy tears the queue down and deletes every segment file plus the
// checkpoint. Call instead of Close, not after it.
func (q *Queue) Destroy() error {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.done)
		<-q.flusherStopped
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	st := q.loadState()
	it := st.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		q.drainSegment(seg, (*segment.Segment).Destroy)
	}
	q.s.Store(&queueState{segments: &immutable.SortedMap[int64, *segment.Segment]{}})

	err := q.checkpoint.Close()
	if rmErr := os.Remove(filepath.Join(q.dir, checkpointFileName)); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if q.ownedPool != nil {
		q.ownedPool.Close()
	}
	return err
}

// drainSegment retries a teardown op while live readers keep cleanup pending.
// The forcible interval means a stuck reader delays teardown by at most a few
// seconds.
func (q *Queue) drainSegment(seg *segment.Segment, op func(*segment.Segment, time.Duration) bool) {
	const interval = 3 * time.Second
	for i := 0; i < 40; i++ {
		if op(seg, interval) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	level.Error(q.logger).Log("msg", "segment teardown still pending", "segment", filepath.Base(seg.FileName()), "refs", "stuck")
}
