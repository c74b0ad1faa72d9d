// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package commitlog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-kit/log"
	bolt "go.etcd.io/bbolt"
)

var (
	checkpointBucket = []byte("checkpoint")
	flushedOffsetKey = []byte("flushedOffset")
)

// checkpoint durably records the queue's flush watermark so a restart knows
// how far the previous run got data onto disk without rescanning every
// segment.
type checkpoint struct {
	db     *bolt.DB
	logger log.Logger
}

func openCheckpoint(path string, logger log.Logger) (*checkpoint, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint bucket: %w", err)
	}
	return &checkpoint{db: db, logger: logger}, nil
}

// SaveFlushed records offset as the durable watermark. The watermark never
// moves backwards.
func (c *checkpoint) SaveFlushed(offset int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if prev := b.Get(flushedOffsetKey); prev != nil {
			if int64(binary.BigEndian.Uint64(prev)) >= offset {
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(offset))
		return b.Put(flushedOffsetKey, buf[:])
	})
}

// Flushed returns the recorded watermark, 0 if none was ever written.
func (c *checkpoint) Flushed() (int64, error) {
	var offset int64
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checkpointBucket).Get(flushedOffsetKey); v != nil {
			offset = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return offset, err
}

func (c *checkpoint) Close() error {
	return c.db.Close()
}
