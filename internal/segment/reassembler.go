package segment

import "sync"

// pending mirrors the spec.md §3 PendingFrame: one in-flight frame, a fixed
// array of segment-count slots (each empty or filled), and a received count.
type pending struct {
	frameNumber  uint64
	ptsUs        uint64
	captureTSUs  uint64
	frameSize    uint32
	segmentCount uint16
	slots        [][]byte
	received     int
}

// Reassembler holds at most one PendingFrame, per spec.md §4.4: a segment
// for a new frame_number implicitly drops any incomplete predecessor.
type Reassembler struct {
	mu       sync.Mutex
	cur      *pending
	dropped  uint64 // frames replaced before completion (spec.md §4.8 "reassembly gap")
	accepted uint64
}

// New returns an empty Reassembler.
func New() *Reassembler { return &Reassembler{} }

// Feed ingests one segment. It returns the completed frame's bytes and
// ok=true once the frame's last missing segment arrives; otherwise completed
// is nil and ok is false. A duplicate or out-of-range segment index is
// ignored the same way (ok=false, no error); callers are expected to have
// already validated the segment via the SWRP packet layer before calling Feed.
//
// droppedPrior reports whether ingesting this segment discarded an
// incomplete predecessor frame (spec.md §4.8's "reassembly gap" counts as a
// dropped frame upstream).
func (r *Reassembler) Feed(frameNumber uint64, ptsUs, captureTSUs uint64, frameSize uint32, segmentIndex, segmentCount uint16, data []byte) (completed []byte, ok bool, droppedPrior bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil || r.cur.frameNumber != frameNumber {
		if r.cur != nil && r.cur.received < int(r.cur.segmentCount) {
			droppedPrior = true
			r.dropped++
		}
		r.cur = &pending{
			frameNumber:  frameNumber,
			ptsUs:        ptsUs,
			captureTSUs:  captureTSUs,
			frameSize:    frameSize,
			segmentCount: segmentCount,
			slots:        make([][]byte, segmentCount),
		}
	}

	p := r.cur
	if int(segmentIndex) >= len(p.slots) {
		return nil, false, droppedPrior
	}
	if p.slots[segmentIndex] != nil {
		// duplicate: silently ignored per spec.md §4.4
		return nil, false, droppedPrior
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.slots[segmentIndex] = buf
	p.received++

	if p.received < int(p.segmentCount) {
		return nil, false, droppedPrior
	}

	out := make([]byte, 0, p.frameSize)
	for _, s := range p.slots {
		out = append(out, s...)
	}
	r.accepted++
	r.cur = nil
	return out, true, droppedPrior
}

// Reset clears any pending frame, used on session teardown (spec.md §4.4).
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = nil
}

// Dropped returns the number of incomplete frames discarded by a
// reassembly gap so far.
func (r *Reassembler) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
