// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package commitlog

import (
	"encoding/binary"
	"time"

	"github.com/dreamsxin/commitlog/types"
)

// On-disk frame layout: a 4-byte big-endian body length followed by the body.
// A length of endOfSegmentMagic seals the remainder of a segment when a
// message didn't fit; a length of zero means untouched (preallocated) space.
const (
	frameHeaderLen    = 4
	endOfSegmentMagic = uint32(0xFFFFFFFF)
)

var frameEnc = binary.BigEndian

// frameCodec is the default AppendCallback: it frames message bodies with a
// length prefix and seals segments that run out of room so recovery can tell
// "segment ended early" from "tail of the log".
type frameCodec struct {
	segmentSize int64
}

func newFrameCodec(segmentSize int64) *frameCodec {
	return &frameCodec{segmentSize: segmentSize}
}

func (c *frameCodec) DoAppend(fileFromOffset int64, buf []byte, remaining int, msg *types.Message) types.AppendResult {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if int64(frameHeaderLen+len(msg.Body)) > c.segmentSize {
		return types.AppendResult{Status: types.AppendTooLarge}
	}

	need := frameHeaderLen + len(msg.Body)
	if need > remaining {
		// Seal the segment: mark the leftover space and consume all of it so
		// the caller sees a full segment and rolls.
		if remaining >= frameHeaderLen {
			frameEnc.PutUint32(buf, endOfSegmentMagic)
		}
		return types.AppendResult{
			Status:         types.AppendEndOfFile,
			WroteBytes:     remaining,
			StoreTimestamp: ts,
		}
	}

	frameEnc.PutUint32(buf, uint32(len(msg.Body)))
	copy(buf[frameHeaderLen:], msg.Body)

	return types.AppendResult{
		Status:         types.AppendOK,
		WroteBytes:     need,
		LogOffset:      fileFromOffset + c.segmentSize - int64(remaining),
		StoreTimestamp: ts,
	}
}

// decodeFrame reads the frame at the start of b and returns a copy of its
// body. Zero and seal markers mean there is no message at this offset.
func decodeFrame(b []byte) ([]byte, error) {
	if len(b) < frameHeaderLen {
		return nil, ErrOutOfRange
	}
	l := frameEnc.Uint32(b)
	if l == 0 || l == endOfSegmentMagic {
		return nil, ErrOutOfRange
	}
	if int(l)+frameHeaderLen > len(b) {
		return nil, ErrOutOfRange
	}
	body := make([]byte, l)
	copy(body, b[frameHeaderLen:])
	return body, nil
}

// scanFrames walks the frames in a recovered segment image and returns the
// byte position just past the last complete one. A seal marker means the
// whole segment was consumed by its last append.
func scanFrames(data []byte) int64 {
	pos := 0
	for pos+frameHeaderLen <= len(data) {
		l := frameEnc.Uint32(data[pos:])
		if l == 0 {
			break
		}
		if l == endOfSegmentMagic {
			return int64(len(data))
		}
		next := pos + frameHeaderLen + int(l)
		if next > len(data) {
			break
		}
		pos = next
	}
	return int64(pos)
}
