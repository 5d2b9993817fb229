package session

import "sync"

// defaultLatencyWindow bounds how many in-flight frames' capture timestamps
// LatencyTracker retains; it should track the flow-control credit window,
// since no more frames than that can be unacknowledged at once.
const defaultLatencyWindow = 64

// LatencyTracker maps frame_number to capture_ts_us for frames currently
// in flight, answering the Open Question in §9: source-side latency is
// computed as now_us - capture_ts_us_of_frame(frame_number), not
// now_us - frame_number (which is dimensionally wrong — frame_number is a
// counter, not a timestamp). Entries are removed once consumed by Take, and
// the tracker evicts the oldest entry if Record would exceed its window, so
// a lost ACK cannot grow it without bound.
type LatencyTracker struct {
	mu     sync.Mutex
	window int
	order  []uint64
	ts     map[uint64]uint64
}

// NewLatencyTracker returns a tracker bounded to window in-flight frames.
// window <= 0 uses defaultLatencyWindow.
func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &LatencyTracker{window: window, ts: make(map[uint64]uint64)}
}

// Record stores the capture_ts_us for a frame about to be sent.
func (l *LatencyTracker) Record(frameNumber, captureTSUs uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ts[frameNumber]; !exists {
		l.order = append(l.order, frameNumber)
	}
	l.ts[frameNumber] = captureTSUs
	for len(l.order) > l.window {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.ts, oldest)
	}
}

// Take looks up and removes the capture_ts_us recorded for frameNumber, as
// consumed by a FRAME_ACK. ok is false if the frame was never recorded or
// was already evicted.
func (l *LatencyTracker) Take(frameNumber uint64) (captureTSUs uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	captureTSUs, ok = l.ts[frameNumber]
	if !ok {
		return 0, false
	}
	delete(l.ts, frameNumber)
	for i, fn := range l.order {
		if fn == frameNumber {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return captureTSUs, true
}
