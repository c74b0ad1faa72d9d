// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"sync"
	"sync/atomic"
	"time"
)

// refCounted provides shared-lifetime management for an object whose backing
// OS resources must outlive concurrent users. The owner holds the initial
// reference; readers take additional ones via hold and drop them via release.
// Once shutdown has been requested the resource refuses new holds and the
// cleanup function runs when the last reference is dropped.
//
// All state transitions use atomics; no lock is taken on the hot path. The
// cleanupMu only serializes the final cleanup so it runs at most once even if
// a forcible shutdown races a releasing reader.
type refCounted struct {
	available   atomic.Bool
	refCount    atomic.Int64
	cleanupDone atomic.Bool

	// firstShutdown is the unix-millisecond instant shutdown was first
	// requested. Zero until then.
	firstShutdown atomic.Int64

	cleanupMu sync.Mutex

	// cleanupFn releases the backing resources. It receives the current
	// refcount and reports whether cleanup completed.
	cleanupFn func(currentRef int64) bool
}

func (r *refCounted) initRef(cleanup func(currentRef int64) bool) {
	r.available.Store(true)
	r.refCount.Store(1)
	r.cleanupFn = cleanup
}

// hold takes a reference if the resource is still available. The availability
// load happens before the increment so a holder that got true is guaranteed
// the resource had not started cleanup at that point.
func (r *refCounted) hold() bool {
	if !r.available.Load() {
		return false
	}
	if r.refCount.Add(1) > 1 {
		return true
	}
	// The count was already drained; undo and refuse.
	r.refCount.Add(-1)
	return false
}

// release drops one reference. When the last reference goes away after a
// shutdown request, the cleanup function runs exactly once.
func (r *refCounted) release() {
	n := r.refCount.Add(-1)
	if n > 0 || r.available.Load() {
		return
	}

	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	if r.cleanupDone.Load() {
		return
	}
	if r.cleanupFn(n) {
		r.cleanupDone.Store(true)
	}
}

// shutdown requests teardown. The first call flips availability and drops the
// owner's reference. Subsequent calls are no-ops until intervalForcibly has
// elapsed since the first request, at which point any remaining references
// (stuck readers) are forcibly invalidated so cleanup can proceed.
func (r *refCounted) shutdown(intervalForcibly time.Duration) {
	if r.available.CompareAndSwap(true, false) {
		r.firstShutdown.Store(time.Now().UnixMilli())
		r.release()
		return
	}
	if r.refCount.Load() > 0 {
		elapsed := time.Now().UnixMilli() - r.firstShutdown.Load()
		if elapsed >= intervalForcibly.Milliseconds() {
			r.refCount.Store(-1000 - r.refCount.Load())
			r.release()
		}
	}
}

// isCleanupOver reports whether all references are gone and cleanup has run.
func (r *refCounted) isCleanupOver() bool {
	return r.refCount.Load() <= 0 && r.cleanupDone.Load()
}

func (r *refCounted) isAvailable() bool {
	return r.available.Load()
}

func (r *refCounted) refs() int64 {
	return r.refCount.Load()
}
