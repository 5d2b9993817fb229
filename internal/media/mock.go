package media

import (
	"context"
	"errors"
	"sync"

	"github.com/achxy/serialwarp/internal/frame"
)

// ErrCapturerClosed is returned by MockCapturer.Capture once its queue of
// frames is exhausted, whether or not Close has been called.
var ErrCapturerClosed = errors.New("media: capturer closed")

// MockCapturer replays a fixed queue of raw frames, used by pipeline tests
// in place of a real screen capture producer.
type MockCapturer struct {
	mu     sync.Mutex
	queue  []RawFrame
	closed bool
}

// NewMockCapturer returns a MockCapturer that yields frames in order.
func NewMockCapturer(frames ...RawFrame) *MockCapturer {
	return &MockCapturer{queue: frames}
}

func (m *MockCapturer) Capture(ctx context.Context) (RawFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return RawFrame{}, ErrCapturerClosed
	}
	f := m.queue[0]
	m.queue = m.queue[1:]
	return f, nil
}

func (m *MockCapturer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// EchoEncoder is a no-op encoder: it treats the raw pixel bytes as if they
// were already Annex-B, useful for pipeline tests that only exercise
// segmentation/flow-control/ack accounting and don't care about real codec
// output.
type EchoEncoder struct {
	keyframeEvery int
	count         int
}

// NewEchoEncoder returns an EchoEncoder that marks the first frame and then
// every keyframeEvery-th frame as a keyframe (frames 1, k+1, 2k+1, ...,
// counting from 1); keyframeEvery <= 0 means never.
func NewEchoEncoder(keyframeEvery int) *EchoEncoder {
	return &EchoEncoder{keyframeEvery: keyframeEvery}
}

func (e *EchoEncoder) Encode(raw RawFrame, frameNumber uint64) (frame.EncodedFrame, error) {
	e.count++
	isKey := e.keyframeEvery > 0 && (e.count-1)%e.keyframeEvery == 0
	return frame.EncodedFrame{
		Metadata: frame.Metadata{
			FrameNumber: frameNumber,
			PTSUs:       raw.PTSUs,
			CaptureTSUs: raw.CaptureTSUs,
		},
		IsKeyframe: isKey,
		Data:       raw.Pixels,
	}, nil
}

func (e *EchoEncoder) Flush() ([]frame.EncodedFrame, error) { return nil, nil }
func (e *EchoEncoder) Close() error                         { return nil }

// EchoDecoder mirrors EchoEncoder: it returns the reassembled bytes
// unmodified as the decoded pixel buffer.
type EchoDecoder struct{}

func NewEchoDecoder() *EchoDecoder { return &EchoDecoder{} }

func (d *EchoDecoder) Decode(data []byte, metadata frame.Metadata) (DecodedFrame, error) {
	return DecodedFrame{Metadata: metadata, Pixels: data}, nil
}

func (d *EchoDecoder) Close() error { return nil }

// RecordingDisplay captures every presented frame for test assertions.
type RecordingDisplay struct {
	mu     sync.Mutex
	frames []DecodedFrame
}

func NewRecordingDisplay() *RecordingDisplay { return &RecordingDisplay{} }

func (d *RecordingDisplay) Present(f DecodedFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, f)
	return nil
}

func (d *RecordingDisplay) Close() error { return nil }

// Frames returns a copy of every frame presented so far.
func (d *RecordingDisplay) Frames() []DecodedFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DecodedFrame, len(d.frames))
	copy(out, d.frames)
	return out
}
