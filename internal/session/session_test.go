package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextFrameNumberStartsAtZeroAndIncreases(t *testing.T) {
	s := New(StreamConfig{Width: 1920, Height: 1080, FPS: 60})
	assert.EqualValues(t, 0, s.NextFrameNumber())
	assert.EqualValues(t, 1, s.NextFrameNumber())
	assert.EqualValues(t, 2, s.NextFrameNumber())
}

func TestNewSessionHasUniqueID(t *testing.T) {
	a := New(StreamConfig{})
	b := New(StreamConfig{})
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStatsCounters(t *testing.T) {
	s := New(StreamConfig{})
	s.AddFramesCaptured()
	s.AddFramesCaptured()
	s.AddFramesEncoded()
	s.AddSent(100)
	s.AddFramesDropped()
	s.SetLatencyUs(1500)
	s.SetRates(59.9, 19_800_000)

	got := s.Stats()
	assert.EqualValues(t, 2, got.FramesCaptured)
	assert.EqualValues(t, 1, got.FramesEncoded)
	assert.EqualValues(t, 1, got.FramesSent)
	assert.EqualValues(t, 100, got.BytesSent)
	assert.EqualValues(t, 1, got.FramesDropped)
	assert.EqualValues(t, 1500, got.LatencyUs)
	assert.InDelta(t, 59.9, got.CurrentFPS, 0.01)
}

func TestLatencyTrackerRecordAndTake(t *testing.T) {
	lt := NewLatencyTracker(4)
	lt.Record(1, 1000)
	lt.Record(2, 2000)

	ts, ok := lt.Take(1)
	assert.True(t, ok)
	assert.EqualValues(t, 1000, ts)

	// Already taken: gone.
	_, ok = lt.Take(1)
	assert.False(t, ok)

	ts, ok = lt.Take(2)
	assert.True(t, ok)
	assert.EqualValues(t, 2000, ts)
}

func TestLatencyTrackerEvictsOldestBeyondWindow(t *testing.T) {
	lt := NewLatencyTracker(2)
	lt.Record(1, 100)
	lt.Record(2, 200)
	lt.Record(3, 300) // evicts frame 1

	_, ok := lt.Take(1)
	assert.False(t, ok, "oldest entry should have been evicted")

	ts, ok := lt.Take(2)
	assert.True(t, ok)
	assert.EqualValues(t, 200, ts)

	ts, ok = lt.Take(3)
	assert.True(t, ok)
	assert.EqualValues(t, 300, ts)
}

func TestLatencyTrackerUnknownFrame(t *testing.T) {
	lt := NewLatencyTracker(4)
	_, ok := lt.Take(99)
	assert.False(t, ok)
}
