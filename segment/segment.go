// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the per-file storage primitive of the commit
// log: a fixed-size, memory-mapped, append-only file with an optional staged
// write buffer, page-aligned commit/flush watermarks and a reference-counted
// lifecycle that defers unmapping until all in-flight readers are done.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/commitlog/types"
)

// FlushMode selects how eagerly written bytes are forced to disk.
type FlushMode int

const (
	// AsyncFlush leaves forcing to the background flush service.
	AsyncFlush FlushMode = iota
	// SyncFlush forces after every write (and periodically during warm-up).
	SyncFlush
)

// Process-wide accounting of live mappings. Each segment contributes its file
// size exactly once between a successful New and its cleanup.
var (
	totalMappedBytes atomic.Int64
	totalMappedCount atomic.Int64
)

// TotalMappedBytes returns the sum of the mapped sizes of all live segments
// in the process.
func TotalMappedBytes() int64 {
	return totalMappedBytes.Load()
}

// TotalMappedCount returns the number of live mapped segments in the process.
func TotalMappedCount() int64 {
	return totalMappedCount.Load()
}

type stagingBuf struct {
	buf []byte
}

// Segment is a single fixed-size append-only file, memory mapped in its
// entirety. The file's basename is the decimal representation of the
// segment's starting offset in the logical log.
//
// Position discipline: 0 <= flushed <= read <= wrote <= size always holds,
// where read is the committed position while a staging buffer is attached and
// the wrote position otherwise. A single appender advances wrote; the
// committer drains staging bytes into the file and advances committed; the
// flusher forces and advances flushed. Readers only ever see bytes below
// read.
type Segment struct {
	refCounted

	fileName       string
	fileSize       int64
	fileFromOffset int64

	file   *os.File
	mapped []byte

	wrotePosition     atomic.Int64
	committedPosition atomic.Int64
	flushedPosition   atomic.Int64

	// storeTimestamp is the unix-nano time of the last successful append.
	storeTimestamp atomic.Int64

	// staging, when non-nil, receives all encoded appends before commit
	// copies them into the file. Cleared (and the buffer returned to pool)
	// once the whole segment has been committed.
	staging atomic.Pointer[stagingBuf]
	pool    types.StagingPool

	// channelDirty records that bytes reached the file through its fd rather
	// than the mapping, which decides whether flush must fdatasync instead of
	// msync.
	channelDirty atomic.Bool

	firstInQueue atomic.Bool

	logger log.Logger
}

// Option configures a Segment.
type Option func(*Segment)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l log.Logger) Option {
	return func(s *Segment) {
		s.logger = l
	}
}

// WithPool attaches a staging pool. The segment borrows one buffer from it at
// creation and returns it once fully committed.
func WithPool(p types.StagingPool) Option {
	return func(s *Segment) {
		s.pool = p
	}
}

// New opens (creating if needed) the segment file at path and maps it. The
// basename of path must be the decimal starting offset of the segment. The
// parent directory is created if missing and the file is pre-sized to size
// bytes. On any failure the partially opened file is closed before the error
// is returned.
func New(path string, size int64, opts ...Option) (*Segment, error) {
	if size <= 0 || size%osPageSize != 0 {
		return nil, fmt.Errorf("segment size %d must be a positive multiple of %d", size, osPageSize)
	}
	base := filepath.Base(path)
	fromOffset, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("segment file name %q is not a decimal offset: %w", base, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", base, err)
	}
	if err := fileutil.Preallocate(f, size, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate segment %s: %w", base, err)
	}
	m, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Segment{
		fileName:       path,
		fileSize:       size,
		fileFromOffset: fromOffset,
		file:           f,
		mapped:         m,
		logger:         log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initRef(s.cleanup)

	if s.pool != nil {
		if buf := s.pool.Borrow(); buf != nil {
			s.staging.Store(&stagingBuf{buf: buf[:size]})
		} else {
			level.Warn(s.logger).Log("msg", "staging pool exhausted, segment will write through the mapping", "segment", base)
		}
	}

	totalMappedBytes.Add(size)
	totalMappedCount.Add(1)
	return s, nil
}

// FileName returns the path the segment was opened with.
func (s *Segment) FileName() string {
	return s.fileName
}

// Size returns the fixed byte length of the segment file.
func (s *Segment) Size() int64 {
	return s.fileSize
}

// FileFromOffset returns the absolute log offset of byte 0 of this segment.
func (s *Segment) FileFromOffset() int64 {
	return s.fileFromOffset
}

// WrotePosition returns the next byte index to write.
func (s *Segment) WrotePosition() int64 {
	return s.wrotePosition.Load()
}

// CommittedPosition returns how many staging bytes have been copied into the
// file. Meaningless while no staging buffer is attached.
func (s *Segment) CommittedPosition() int64 {
	return s.committedPosition.Load()
}

// FlushedPosition returns the durability watermark.
func (s *Segment) FlushedPosition() int64 {
	return s.flushedPosition.Load()
}

// ReadPosition returns the largest offset safely visible to readers: the
// committed position while staging is attached, the wrote position otherwise.
func (s *Segment) ReadPosition() int64 {
	if s.staging.Load() != nil {
		return s.committedPosition.Load()
	}
	return s.wrotePosition.Load()
}

// StoreTimestamp returns the time of the last successful append.
func (s *Segment) StoreTimestamp() time.Time {
	return time.Unix(0, s.storeTimestamp.Load())
}

// IsFull reports whether the segment has no room left to append.
func (s *Segment) IsFull() bool {
	return s.wrotePosition.Load() == s.fileSize
}

// IsFirstInQueue reports the queue-manager tag for the first segment of a
// logical log. The segment only stores it.
func (s *Segment) IsFirstInQueue() bool {
	return s.firstInQueue.Load()
}

// SetFirstInQueue is called by the queue manager on the segment that starts
// the log.
func (s *Segment) SetFirstInQueue(first bool) {
	s.firstInQueue.Store(first)
}

// SetWrotePosition is used by recovery to restore the write watermark of a
// reopened segment.
func (s *Segment) SetWrotePosition(pos int64) {
	s.wrotePosition.Store(pos)
}

// SetCommittedPosition is used by recovery to restore the commit watermark.
func (s *Segment) SetCommittedPosition(pos int64) {
	s.committedPosition.Store(pos)
}

// SetFlushedPosition is used by recovery to restore the durability watermark.
func (s *Segment) SetFlushedPosition(pos int64) {
	s.flushedPosition.Store(pos)
}

// Append carves a slice of the active buffer starting at the write position
// and delegates encoding to cb. The write position advances by however many
// bytes the callback reports written, including the padding it writes when it
// signals end-of-file. A segment that is already full returns
// AppendUnknownError without invoking the callback.
func (s *Segment) Append(msg *types.Message, cb types.AppendCallback) types.AppendResult {
	pos := s.wrotePosition.Load()
	if pos >= s.fileSize {
		level.Error(s.logger).Log("msg", "append on full segment", "segment", filepath.Base(s.fileName), "wrotePosition", pos, "size", s.fileSize)
		return types.AppendResult{Status: types.AppendUnknownError}
	}

	buf := s.mapped
	if st := s.staging.Load(); st != nil {
		buf = st.buf
	}

	res := cb.DoAppend(s.fileFromOffset, buf[pos:], int(s.fileSize-pos), msg)
	s.wrotePosition.Add(int64(res.WroteBytes))
	if !res.StoreTimestamp.IsZero() {
		s.storeTimestamp.Store(res.StoreTimestamp.UnixNano())
	}
	return res
}

// AppendBytes writes raw bytes through the file descriptor at the current
// write position. It is only for unstaged segments; it bypasses the encoder
// and does not update the store timestamp. A failed write does not advance
// the position: the error is logged and false returned so the bytes can be
// retried or redirected.
func (s *Segment) AppendBytes(data []byte) bool {
	pos := s.wrotePosition.Load()
	if pos+int64(len(data)) > s.fileSize {
		return false
	}
	if _, err := s.file.WriteAt(data, pos); err != nil {
		level.Error(s.logger).Log("msg", "raw append failed", "segment", filepath.Base(s.fileName), "err", err)
		return false
	}
	s.channelDirty.Store(true)
	s.wrotePosition.Store(pos + int64(len(data)))
	return true
}

// Commit copies staged bytes into the segment file. It is a no-op returning
// the wrote position when no staging buffer is attached. With minPages > 0
// the copy only happens once that many whole pages of staged data have
// accumulated or the segment is full; minPages <= 0 commits any pending
// byte. A fully committed
// segment returns its staging buffer to the pool.
func (s *Segment) Commit(minPages int) int64 {
	st := s.staging.Load()
	if st == nil {
		return s.wrotePosition.Load()
	}

	if s.shouldCommit(minPages) {
		if s.hold() {
			s.commitStaged(st)
			s.release()
		}
	}

	// All bytes committed: this segment no longer needs its write buffer.
	// The swap decides which of two racing committers returns it; the buffer
	// must reach the pool exactly once.
	if s.committedPosition.Load() == s.fileSize {
		if cur := s.staging.Load(); cur != nil && s.staging.CompareAndSwap(cur, nil) {
			s.pool.Return(cur.buf)
		}
	}

	return s.committedPosition.Load()
}

// advancePosition moves a watermark forward to pos, never backward. A slow
// committer or flusher finishing with a stale snapshot must not undo a larger
// value a concurrent caller already published.
func advancePosition(p *atomic.Int64, pos int64) {
	for {
		old := p.Load()
		if pos <= old || p.CompareAndSwap(old, pos) {
			return
		}
	}
}

func (s *Segment) commitStaged(st *stagingBuf) {
	wrote := s.wrotePosition.Load()
	committed := s.committedPosition.Load()
	if wrote <= committed {
		return
	}
	if _, err := s.file.WriteAt(st.buf[committed:wrote], committed); err != nil {
		level.Error(s.logger).Log("msg", "commit write failed", "segment", filepath.Base(s.fileName), "err", err)
		return
	}
	s.channelDirty.Store(true)
	advancePosition(&s.committedPosition, wrote)
}

func (s *Segment) shouldCommit(minPages int) bool {
	wrote := s.wrotePosition.Load()
	committed := s.committedPosition.Load()
	if wrote == s.fileSize {
		return true
	}
	if minPages > 0 {
		return wrote/osPageSize-committed/osPageSize >= int64(minPages)
	}
	return wrote > committed
}

// Flush forces readable bytes to disk and advances the durability watermark.
// With minPages > 0 it only acts once that many whole pages are unflushed or
// the segment is full.
// If the segment is shutting down and a reference can no longer be taken the
// watermark still advances without forcing, a best-effort finalization.
func (s *Segment) Flush(minPages int) int64 {
	if s.shouldFlush(minPages) {
		if s.hold() {
			pos := s.ReadPosition()
			var err error
			if s.staging.Load() != nil || s.channelDirty.Load() {
				err = fileutil.Fdatasync(s.file)
			} else {
				err = msync(s.mapped)
			}
			if err != nil {
				level.Error(s.logger).Log("msg", "flush failed", "segment", filepath.Base(s.fileName), "err", err)
			}
			advancePosition(&s.flushedPosition, pos)
			s.release()
		} else {
			advancePosition(&s.flushedPosition, s.ReadPosition())
		}
	}
	return s.flushedPosition.Load()
}

func (s *Segment) shouldFlush(minPages int) bool {
	read := s.ReadPosition()
	flushed := s.flushedPosition.Load()
	if s.IsFull() {
		return true
	}
	if minPages > 0 {
		return read/osPageSize-flushed/osPageSize >= int64(minPages)
	}
	return read > flushed
}

// SelectSlice returns a borrowed view of size bytes starting at pos, or nil
// if the range is not fully readable or the segment is shutting down. The
// slice holds a reference against the segment until released.
func (s *Segment) SelectSlice(pos, size int64) *Slice {
	read := s.ReadPosition()
	if pos < 0 || size <= 0 || pos+size > read {
		level.Warn(s.logger).Log("msg", "slice request out of range", "segment", filepath.Base(s.fileName), "pos", pos, "size", size, "readPosition", read)
		return nil
	}
	if !s.hold() {
		return nil
	}
	return &Slice{
		seg:    s,
		offset: s.fileFromOffset + pos,
		data:   s.mapped[pos : pos+size],
	}
}

// SelectSliceFrom returns a borrowed view of everything readable from pos, or
// nil if pos is not strictly below the read position.
func (s *Segment) SelectSliceFrom(pos int64) *Slice {
	read := s.ReadPosition()
	if pos < 0 || pos >= read {
		level.Warn(s.logger).Log("msg", "slice request out of range", "segment", filepath.Base(s.fileName), "pos", pos, "readPosition", read)
		return nil
	}
	if !s.hold() {
		return nil
	}
	return &Slice{
		seg:    s,
		offset: s.fileFromOffset + pos,
		data:   s.mapped[pos:read],
	}
}

// WarmUp touches one byte in every page of the mapping to fault the whole
// file in, optionally forcing every pagesBetweenFlushes pages when mode is
// SyncFlush, then locks the pages in memory. Yields to the scheduler every
// 1000 pages so the loop doesn't monopolize a core.
func (s *Segment) WarmUp(mode FlushMode, pagesBetweenFlushes int) {
	begin := time.Now()
	var lastForced int64
	pages := 0
	for i := int64(0); i < s.fileSize; i += osPageSize {
		s.mapped[i] = 0

		if mode == SyncFlush && pagesBetweenFlushes > 0 {
			if (i-lastForced)/osPageSize >= int64(pagesBetweenFlushes) {
				lastForced = i
				if err := msync(s.mapped); err != nil {
					level.Warn(s.logger).Log("msg", "warm-up msync failed", "err", err)
				}
			}
		}

		pages++
		if pages%1000 == 0 {
			runtime.Gosched()
		}
	}
	if mode == SyncFlush {
		if err := msync(s.mapped); err != nil {
			level.Warn(s.logger).Log("msg", "warm-up msync failed", "err", err)
		}
	}
	level.Debug(s.logger).Log("msg", "segment warmed up", "segment", filepath.Base(s.fileName), "pages", pages, "elapsed", time.Since(begin))

	s.Mlock()
}

// Mlock pins the mapped region in memory and advises the kernel the whole
// range will be needed. Failures (commonly RLIMIT_MEMLOCK) are logged and
// swallowed; the segment stays fully functional.
func (s *Segment) Mlock() {
	if err := mlock(s.mapped); err != nil {
		level.Warn(s.logger).Log("msg", "mlock failed", "segment", filepath.Base(s.fileName), "err", err)
	}
	if err := madviseWillNeed(s.mapped); err != nil {
		level.Warn(s.logger).Log("msg", "madvise failed", "segment", filepath.Base(s.fileName), "err", err)
	}
}

// Munlock releases the memory lock taken by Mlock.
func (s *Segment) Munlock() {
	if err := munlock(s.mapped); err != nil {
		level.Warn(s.logger).Log("msg", "munlock failed", "segment", filepath.Base(s.fileName), "err", err)
	}
}

// Shutdown requests teardown without deleting the file. New holds are refused
// from here on; cleanup (unmapping) runs once the last reference drops, or
// forcibly after intervalForcibly on repeated calls.
func (s *Segment) Shutdown(intervalForcibly time.Duration) {
	s.shutdown(intervalForcibly)
}

// Close shuts the segment down and, once cleanup has finished, closes the
// file descriptor. Returns true when fully closed; callers may retry while
// readers are still draining.
func (s *Segment) Close(intervalForcibly time.Duration) bool {
	s.shutdown(intervalForcibly)
	if !s.isCleanupOver() {
		return false
	}
	if err := s.file.Close(); err != nil {
		level.Error(s.logger).Log("msg", "close segment file failed", "segment", filepath.Base(s.fileName), "err", err)
	}
	return true
}

// Destroy shuts the segment down and, once cleanup has finished, closes and
// deletes the file. Returns false while live references keep cleanup pending;
// the caller may retry, and after intervalForcibly the retry forcibly drops
// remaining references.
func (s *Segment) Destroy(intervalForcibly time.Duration) bool {
	s.shutdown(intervalForcibly)
	if !s.isCleanupOver() {
		return false
	}
	if err := s.file.Close(); err != nil {
		level.Error(s.logger).Log("msg", "close segment file failed", "segment", filepath.Base(s.fileName), "err", err)
	}
	if err := os.Remove(s.fileName); err != nil {
		level.Error(s.logger).Log("msg", "remove segment file failed", "segment", filepath.Base(s.fileName), "err", err)
	}
	return true
}

// IsAvailable reports whether the segment still accepts holds (no shutdown
// requested).
func (s *Segment) IsAvailable() bool {
	return s.isAvailable()
}

// IsCleanupOver reports whether the mapping has been torn down and all
// references released.
func (s *Segment) IsCleanupOver() bool {
	return s.isCleanupOver()
}

// cleanup unmaps the region and settles the process-wide accounting. Called
// by the refcount machinery when the last reference drops after shutdown; the
// available guard protects against unmapping a segment readers can still
// hold.
func (s *Segment) cleanup(currentRef int64) bool {
	if s.isAvailable() {
		level.Warn(s.logger).Log("msg", "refusing cleanup of available segment", "segment", filepath.Base(s.fileName), "refs", currentRef)
		return false
	}
	if s.cleanupDone.Load() {
		return true
	}

	if st := s.staging.Load(); st != nil && s.staging.CompareAndSwap(st, nil) {
		s.pool.Return(st.buf)
	}
	if err := munmap(s.mapped); err != nil {
		level.Error(s.logger).Log("msg", "munmap failed", "segment", filepath.Base(s.fileName), "err", err)
	}
	s.mapped = nil
	totalMappedBytes.Add(-s.fileSize)
	totalMappedCount.Add(-1)
	return true
}
