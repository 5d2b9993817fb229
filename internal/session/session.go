// Package session holds the negotiated parameters and counters for one
// logical run between START and STOP (§3), plus a unique per-run
// correlation ID (Session.ID). The pipelines do not attach the ID to their
// log lines or metrics.
package session

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// StreamConfig is the negotiated streaming configuration, intersected from
// the source's wish and the sink's advertised caps during START/START_ACK.
type StreamConfig struct {
	Width      uint32
	Height     uint32
	FPS        uint32
	BitrateBps uint32
	HiDPI      bool
}

// Stats mirrors SessionStats (§3). Every counter is monotonically
// increasing within a session and reset at session start.
type Stats struct {
	FramesCaptured    uint64
	FramesEncoded     uint64
	FramesSent        uint64
	FramesDropped     uint64
	BytesSent         uint64
	CurrentFPS        float64
	CurrentBitrateBps float64
	LatencyUs         uint64
	StartTime         time.Time
}

// Session is a logical run from START to STOP. A new Session always starts
// frame numbers at zero; encoder, decoder, and display lifetimes are scoped
// to it.
type Session struct {
	ID     xid.ID
	Config StreamConfig

	mu         sync.Mutex
	stats      Stats
	nextFrameN uint64
}

// New returns a fresh Session with a unique correlation ID and zeroed stats.
func New(cfg StreamConfig) *Session {
	return &Session{
		ID:     xid.New(),
		Config: cfg,
		stats:  Stats{StartTime: time.Now()},
	}
}

// NextFrameNumber returns the next strictly increasing frame_number for this
// session, starting at zero.
func (s *Session) NextFrameNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextFrameN
	s.nextFrameN++
	return n
}

// Stats returns a copy of the current counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// AddFramesCaptured bumps the capture counter by one (called from the
// capture task, the designated single writer for this counter).
func (s *Session) AddFramesCaptured() {
	s.mu.Lock()
	s.stats.FramesCaptured++
	s.mu.Unlock()
}

// AddFramesEncoded bumps the encode counter by one. On the sink side this
// doubles as the decode counter: FramesEncoded and FramesDecoded are the
// same notion of "frame ready to present" mirrored across the link.
func (s *Session) AddFramesEncoded() {
	s.mu.Lock()
	s.stats.FramesEncoded++
	s.mu.Unlock()
}

// AddBytesReceived bumps the reassembled-frame byte counter by n, the
// sink-side mirror of AddSent's BytesSent.
func (s *Session) AddBytesReceived(n int) {
	s.mu.Lock()
	s.stats.BytesSent += uint64(n)
	s.mu.Unlock()
}

// AddFramesDropped bumps the dropped counter by one.
func (s *Session) AddFramesDropped() {
	s.mu.Lock()
	s.stats.FramesDropped++
	s.mu.Unlock()
}

// AddSent records a frame's worth of segments written to the transport
// (called from the send task, the designated single writer for these two
// counters).
func (s *Session) AddSent(bytes int) {
	s.mu.Lock()
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(bytes)
	s.mu.Unlock()
}

// SetLatencyUs records the most recent latency estimate (called from the
// receive task, the designated single writer for this counter).
func (s *Session) SetLatencyUs(us uint64) {
	s.mu.Lock()
	s.stats.LatencyUs = us
	s.mu.Unlock()
}

// SetRates records the fps/bitrate computed by the once-per-second stats
// task.
func (s *Session) SetRates(fps, bitrateBps float64) {
	s.mu.Lock()
	s.stats.CurrentFPS = fps
	s.stats.CurrentBitrateBps = bitrateBps
	s.mu.Unlock()
}
