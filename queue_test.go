// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package commitlog

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/commitlog/segment"
)

func testOpenQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), append([]Option{WithSegmentSize(8192)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Destroy() })
	return q
}

func TestQueueAppendRead(t *testing.T) {
	q := testOpenQueue(t)

	var offsets []int64
	var bodies [][]byte
	for i := 0; i < 100; i++ {
		body := []byte(fmt.Sprintf("message %03d", i))
		off, err := q.Append(body)
		require.NoError(t, err)
		offsets = append(offsets, off)
		bodies = append(bodies, body)
	}

	for i, off := range offsets {
		got, err := q.Read(off)
		require.NoError(t, err)
		require.Equal(t, bodies[i], got)
	}
}

func TestQueueRollsSegments(t *testing.T) {
	q := testOpenQueue(t, WithSegmentSize(4096))

	body := bytes.Repeat([]byte{0x55}, 512)
	var offsets []int64
	for i := 0; i < 30; i++ {
		off, err := q.Append(body)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	require.Greater(t, q.NextOffset(), int64(4096), "thirty 512-byte messages span multiple segments")

	for _, off := range offsets {
		got, err := q.Read(off)
		require.NoError(t, err)
		require.Equal(t, body, got)
	}

	// One file per rolled segment, each named by its base offset.
	entries, err := os.ReadDir(q.dir)
	require.NoError(t, err)
	var segFiles int
	for _, e := range entries {
		if len(e.Name()) == 20 {
			segFiles++
		}
	}
	require.GreaterOrEqual(t, segFiles, 4)
}

func TestQueueZeroCopyRead(t *testing.T) {
	q := testOpenQueue(t)

	body := []byte("zero copy me")
	off, err := q.Append(body)
	require.NoError(t, err)

	sl := q.SelectSlice(off, int64(frameHeaderLen+len(body)))
	require.NotNil(t, sl)
	require.Equal(t, off, sl.Offset())
	require.Equal(t, body, sl.Bytes()[frameHeaderLen:])
	sl.Release()
}

func TestQueueRecovery(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, WithSegmentSize(4096))
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0x66}, 700)
	var offsets []int64
	for i := 0; i < 10; i++ {
		off, err := q.Append(body)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	flushed := q.Flush(0)
	require.Greater(t, flushed, int64(0))
	next := q.NextOffset()
	require.NoError(t, q.Close())

	q2, err := Open(dir, WithSegmentSize(4096))
	require.NoError(t, err)
	defer q2.Destroy()

	require.Equal(t, next, q2.NextOffset(), "recovery must find the end of the last run's writes")
	require.Equal(t, flushed, q2.RecoveredFlushOffset())

	for _, off := range offsets {
		got, err := q2.Read(off)
		require.NoError(t, err)
		require.Equal(t, body, got)
	}

	// The log keeps accepting appends where it left off.
	off, err := q2.Append([]byte("after restart"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, off, next)
	got, err := q2.Read(off)
	require.NoError(t, err)
	require.Equal(t, []byte("after restart"), got)
}

func TestQueueStagedAppend(t *testing.T) {
	// An hour-long interval keeps the background service out of the way so
	// the commit watermark only moves when the test says so.
	q := testOpenQueue(t, WithStagingBuffers(2), WithFlushInterval(time.Hour))

	body := []byte("staged message")
	off, err := q.Append(body)
	require.NoError(t, err)

	_, err = q.Read(off)
	require.ErrorIs(t, err, ErrOutOfRange, "staged bytes are invisible until committed")

	q.Commit(0)

	got, err := q.Read(off)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestQueueStagedRollReturnsBuffer(t *testing.T) {
	dir := t.TempDir()
	pool, err := segment.NewStagingPool(1, 4096, nil)
	require.NoError(t, err)
	defer pool.Close()

	q, err := Open(dir, WithSegmentSize(4096), WithStagingPool(pool), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer q.Destroy()

	// Fill the first segment so the roll seals it.
	body := bytes.Repeat([]byte{0x77}, 3000)
	_, err = q.Append(body)
	require.NoError(t, err)
	_, err = q.Append(body)
	require.NoError(t, err)

	require.Equal(t, 0, pool.Available(), "sealed segment still holds the buffer until committed")
	q.Commit(0)
	require.Equal(t, 1, pool.Available(), "full commit must return the staging buffer")

	got, err := q.Read(0)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestQueueSyncFlush(t *testing.T) {
	q := testOpenQueue(t, WithFlushMode(segment.SyncFlush))

	body := []byte("durable immediately")
	_, err := q.Append(body)
	require.NoError(t, err)

	require.Equal(t, q.NextOffset(), q.Flush(0), "sync mode leaves nothing unflushed")
}

func TestQueueFuzzedBodies(t *testing.T) {
	q := testOpenQueue(t)

	f := fuzz.New().NilChance(0).NumElements(1, 512)
	type stored struct {
		off  int64
		body []byte
	}
	var all []stored
	for i := 0; i < 200; i++ {
		var body []byte
		f.Fuzz(&body)
		if len(body) == 0 {
			body = []byte{0x01}
		}
		off, err := q.Append(body)
		require.NoError(t, err)
		all = append(all, stored{off: off, body: body})
	}

	for _, s := range all {
		got, err := q.Read(s.off)
		require.NoError(t, err)
		require.Equal(t, s.body, got)
	}
}

func TestQueueTooLarge(t *testing.T) {
	q := testOpenQueue(t, WithSegmentSize(4096))

	_, err := q.Append(make([]byte, 4096))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestQueueReadOutOfRange(t *testing.T) {
	q := testOpenQueue(t)

	_, err := q.Read(1 << 40)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = q.Read(-1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestQueueClosed(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, WithSegmentSize(8192))
	require.NoError(t, err)

	off, err := q.Append([]byte("before close"))
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "Close is idempotent")

	_, err = q.Append([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.Read(off)
	require.ErrorIs(t, err, ErrClosed)

	// Files survive a Close so the log can be reopened.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestQueueDestroyRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, WithSegmentSize(8192))
	require.NoError(t, err)

	_, err = q.Append([]byte("doomed"))
	require.NoError(t, err)
	require.NoError(t, q.Destroy())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestQueueMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := testOpenQueue(t, WithMetricsRegisterer(reg))

	_, err := q.Append([]byte("counted"))
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestQueueBackgroundFlush(t *testing.T) {
	q := testOpenQueue(t, WithFlushInterval(10*time.Millisecond))

	off, err := q.Append([]byte("flushed in the background"))
	require.NoError(t, err)

	// The background service both flushes and checkpoints; watch the
	// checkpoint so this doesn't force a flush itself.
	require.Eventually(t, func() bool {
		v, err := q.checkpoint.Flushed()
		return err == nil && v > off
	}, time.Second, 10*time.Millisecond)
}

func TestQueueWarmup(t *testing.T) {
	q := testOpenQueue(t, WithSegmentSize(8192), WithWarmup(segment.AsyncFlush))

	off, err := q.Append([]byte("warmed"))
	require.NoError(t, err)
	got, err := q.Read(off)
	require.NoError(t, err)
	require.Equal(t, []byte("warmed"), got)
}

func TestOptionValidation(t *testing.T) {
	_, err := Open(t.TempDir(), WithSegmentSize(1000))
	require.Error(t, err)

	pool, err := segment.NewStagingPool(1, 8192, nil)
	require.NoError(t, err)
	defer pool.Close()
	_, err = Open(t.TempDir(), WithSegmentSize(8192), WithStagingPool(pool), WithStagingBuffers(1))
	require.Error(t, err, "owned and external pools are mutually exclusive")
}
