// Package segment implements the frame segmenter and reassembler (spec.md
// §4.4): splitting an encoded frame into ≤64 KiB wire segments, and
// reassembling a single in-flight frame from segments arriving in any order.
package segment

import (
	"errors"
	"fmt"

	"github.com/achxy/serialwarp/internal/frame"
)

// ErrTooManySegments is returned by Split when a frame would require more
// than frame.MaxSegmentCount segments.
var ErrTooManySegments = errors.New("segment: frame exceeds max segment count")

// Split divides f.Data into ⌈N/65536⌉ segments, each ≤ frame.MaxSegmentBytes,
// numbered 0..k-1. A zero-byte frame still produces exactly one (empty)
// segment, matching spec.md §4.4.
func Split(f frame.EncodedFrame) ([]frame.Segment, error) {
	n := len(f.Data)
	count := n / frame.MaxSegmentBytes
	if n%frame.MaxSegmentBytes != 0 || n == 0 {
		count++
	}
	if count > frame.MaxSegmentCount {
		return nil, fmt.Errorf("%w: %d segments needed for %d bytes", ErrTooManySegments, count, n)
	}
	segs := make([]frame.Segment, count)
	for i := 0; i < count; i++ {
		start := i * frame.MaxSegmentBytes
		end := start + frame.MaxSegmentBytes
		if end > n {
			end = n
		}
		segs[i] = frame.Segment{
			Metadata:     f.Metadata,
			FrameSize:    uint32(n),
			SegmentIndex: uint16(i),
			SegmentCount: uint16(count),
			Data:         f.Data[start:end],
		}
	}
	return segs, nil
}
