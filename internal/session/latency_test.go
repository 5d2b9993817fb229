package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTrackerRecordThenTake(t *testing.T) {
	lt := NewLatencyTracker(4)
	lt.Record(1, 1000)
	lt.Record(2, 2000)

	ts, ok := lt.Take(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), ts)

	// A second Take of the same frame finds nothing: Take consumes.
	_, ok = lt.Take(1)
	assert.False(t, ok)
}

func TestLatencyTrackerTakeUnknownFrame(t *testing.T) {
	lt := NewLatencyTracker(4)
	_, ok := lt.Take(99)
	assert.False(t, ok)
}

func TestLatencyTrackerEvictsOldestBeyondWindow(t *testing.T) {
	lt := NewLatencyTracker(2)
	lt.Record(1, 100)
	lt.Record(2, 200)
	lt.Record(3, 300)

	_, ok := lt.Take(1)
	assert.False(t, ok, "frame 1 should have been evicted once the window exceeded 2 in-flight frames")

	ts, ok := lt.Take(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(200), ts)

	ts, ok = lt.Take(3)
	assert.True(t, ok)
	assert.Equal(t, uint64(300), ts)
}

func TestLatencyTrackerDefaultWindow(t *testing.T) {
	lt := NewLatencyTracker(0)
	assert.Equal(t, defaultLatencyWindow, lt.window)
}

func TestLatencyTrackerRecordOverwritesSameFrame(t *testing.T) {
	lt := NewLatencyTracker(4)
	lt.Record(1, 100)
	lt.Record(1, 150)

	ts, ok := lt.Take(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), ts)
}
