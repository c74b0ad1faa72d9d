// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// osPageSize is the page granularity used by the commit and flush threshold
// checks. Segments are always a whole number of pages.
const osPageSize = 4096

// mmapFile maps the whole of f read/write and shared so that channel writes
// and mapped writes observe each other through the page cache.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return b, nil
}

// mmapAnon allocates size bytes of anonymous memory outside the Go heap.
// Used by staging pools for write buffers that are never garbage collected
// or moved.
func mmapAnon(size int64) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap of %d bytes: %w", size, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func mlock(b []byte) error {
	return unix.Mlock(b)
}

func munlock(b []byte) error {
	return unix.Munlock(b)
}

func madviseWillNeed(b []byte) error {
	return unix.Madvise(b, unix.MADV_WILLNEED)
}
