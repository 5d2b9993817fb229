package segment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/achxy/serialwarp/internal/frame"
)

func mkFrame(n int) frame.EncodedFrame {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return frame.EncodedFrame{
		Metadata: frame.Metadata{FrameNumber: 42, PTSUs: 1000, CaptureTSUs: 2000},
		Data:     data,
	}
}

func TestSplitWithRemainder(t *testing.T) {
	f := mkFrame(200000)
	segs, err := Split(f)
	require.NoError(t, err)
	require.Len(t, segs, 4)
	assert.Equal(t, 65536, len(segs[0].Data))
	assert.Equal(t, 65536, len(segs[1].Data))
	assert.Equal(t, 65536, len(segs[2].Data))
	assert.Equal(t, 3392, len(segs[3].Data))
	for i, s := range segs {
		assert.Equal(t, uint32(200000), s.FrameSize)
		assert.Equal(t, uint16(4), s.SegmentCount)
		assert.Equal(t, uint16(i), s.SegmentIndex)
	}
}

func TestSplitZeroByteFrame(t *testing.T) {
	segs, err := Split(mkFrame(0))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, uint16(1), segs[0].SegmentCount)
	assert.Empty(t, segs[0].Data)
}

func TestReassembleInOrder(t *testing.T) {
	f := mkFrame(4)
	f.Data = []byte{0x01, 0x02, 0x03, 0x04}
	segs, err := Split(f)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	r := New()
	out, ok, dropped := r.Feed(f.FrameNumber, f.PTSUs, f.CaptureTSUs, segs[0].FrameSize, segs[0].SegmentIndex, segs[0].SegmentCount, segs[0].Data)
	require.True(t, ok)
	assert.False(t, dropped)
	assert.Equal(t, f.Data, out)
}

func TestReassemblePermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 3*frame.MaxSegmentBytes).Draw(t, "n")
		f := mkFrame(n)
		segs, err := Split(f)
		require.NoError(t, err)

		perm := rand.Perm(len(segs))
		r := New()
		var out []byte
		var completedAt = -1
		for i, idx := range perm {
			o, ok, _ := r.Feed(f.FrameNumber, f.PTSUs, f.CaptureTSUs, segs[idx].FrameSize, segs[idx].SegmentIndex, segs[idx].SegmentCount, segs[idx].Data)
			if ok {
				out = o
				completedAt = i
			}
		}
		require.Equal(t, len(segs)-1, completedAt)
		assert.Equal(t, f.Data, out)
	})
}

func TestDuplicateSegmentIgnored(t *testing.T) {
	f := mkFrame(3 * frame.MaxSegmentBytes)
	segs, err := Split(f)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	r := New()
	feed := func(i int) ([]byte, bool) {
		o, ok, _ := r.Feed(f.FrameNumber, f.PTSUs, f.CaptureTSUs, segs[i].FrameSize, segs[i].SegmentIndex, segs[i].SegmentCount, segs[i].Data)
		return o, ok
	}

	_, ok := feed(2)
	assert.False(t, ok)
	_, ok = feed(0)
	assert.False(t, ok)
	done, ok := feed(1)
	assert.True(t, ok)
	assert.Equal(t, f.Data, done)
	// Segment 1 again after completion: no error, no second completion.
	_, ok = feed(1)
	assert.False(t, ok)

	out, ok := feed(1) // still a duplicate
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestNewFrameNumberDropsPending(t *testing.T) {
	a := mkFrame(3 * frame.MaxSegmentBytes)
	a.FrameNumber = 1
	segsA, err := Split(a)
	require.NoError(t, err)

	b := mkFrame(frame.MaxSegmentBytes)
	b.FrameNumber = 2
	segsB, err := Split(b)
	require.NoError(t, err)

	r := New()
	_, ok, dropped := r.Feed(a.FrameNumber, a.PTSUs, a.CaptureTSUs, segsA[0].FrameSize, segsA[0].SegmentIndex, segsA[0].SegmentCount, segsA[0].Data)
	assert.False(t, ok)
	assert.False(t, dropped)

	out, ok, dropped := r.Feed(b.FrameNumber, b.PTSUs, b.CaptureTSUs, segsB[0].FrameSize, segsB[0].SegmentIndex, segsB[0].SegmentCount, segsB[0].Data)
	assert.True(t, ok)
	assert.True(t, dropped)
	assert.Equal(t, b.Data, out)
	assert.EqualValues(t, 1, r.Dropped())
}
