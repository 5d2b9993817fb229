package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achxy/serialwarp/internal/media"
	"github.com/achxy/serialwarp/internal/pipeline"
	"github.com/achxy/serialwarp/internal/session"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// peer wraps the sink-side half of a transport.MockPair for driving a
// Source through its handshake/streaming protocol without a real sink.
type peer struct {
	t transport.Transport
}

func (p *peer) readType(t *testing.T, ctx context.Context) swrp.Packet {
	t.Helper()
	buf, err := p.t.Receive(ctx)
	require.NoError(t, err)
	pkt, _, err := swrp.Parse(buf)
	require.NoError(t, err)
	return pkt
}

func (p *peer) write(t *testing.T, ctx context.Context, typ swrp.PacketType, payload []byte) {
	t.Helper()
	pkt := swrp.Packet{Type: typ, Sequence: 1, Payload: payload}
	require.NoError(t, p.t.Send(ctx, swrp.Serialize(pkt)))
}

func newConnectedSource(t *testing.T, opts ...Option) (*Source, *peer) {
	t.Helper()
	a, b := transport.MockPair()
	base := []Option{
		WithTransport(a),
		WithHandshakeTimeout(2 * time.Second),
	}
	s := New(append(base, opts...)...)
	require.NoError(t, s.Connect(context.Background(), func(ctx context.Context) (transport.Transport, error) {
		return a, nil
	}))
	return s, &peer{t: b}
}

func TestHandshakeSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, p := newConnectedSource(t)

	done := make(chan error, 1)
	go func() { done <- s.Handshake(ctx, nil) }()

	hello := p.readType(t, ctx)
	assert.Equal(t, swrp.HELLO, hello.Type)
	p.write(t, ctx, swrp.HELLOACK, swrp.HelloPayload{SoftwareVersion: 1}.Encode())

	require.NoError(t, <-done)
	assert.Equal(t, pipeline.Ready, s.State())
}

func TestHandshakeUnexpectedReplyIsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, p := newConnectedSource(t)

	done := make(chan error, 1)
	go func() { done <- s.Handshake(ctx, nil) }()

	p.readType(t, ctx)
	// Reply with the wrong packet type.
	p.write(t, ctx, swrp.PONG, swrp.PongPayload{}.Encode())

	err := <-done
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, pipeline.Error, s.State())
}

func handshakeTo(t *testing.T, ctx context.Context, s *Source, p *peer) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Handshake(ctx, nil) }()
	p.readType(t, ctx)
	p.write(t, ctx, swrp.HELLOACK, swrp.HelloPayload{}.Encode())
	require.NoError(t, <-done)
}

func TestStartStreamingRejectedReturnsToReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, p := newConnectedSource(t)
	handshakeTo(t, ctx, s, p)

	done := make(chan error, 1)
	cfg := session.StreamConfig{Width: 1920, Height: 1080, FPS: 60}
	go func() { done <- s.StartStreaming(ctx, cfg) }()

	start := p.readType(t, ctx)
	assert.Equal(t, swrp.START, start.Type)
	p.write(t, ctx, swrp.STARTACK, swrp.StartAckPayload{Status: 1}.Encode())

	err := <-done
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, pipeline.Ready, s.State())
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, p := newConnectedSource(t)

	done := make(chan error, 1)
	go func() { done <- s.Handshake(ctx, nil) }()

	var seqs []uint32
	hello := p.readType(t, ctx)
	seqs = append(seqs, hello.Sequence)
	p.write(t, ctx, swrp.HELLOACK, swrp.HelloPayload{}.Encode())
	require.NoError(t, <-done)

	cfg := session.StreamConfig{Width: 640, Height: 480, FPS: 30}
	done2 := make(chan error, 1)
	go func() { done2 <- s.StartStreaming(ctx, cfg) }()
	start := p.readType(t, ctx)
	seqs = append(seqs, start.Sequence)
	p.write(t, ctx, swrp.STARTACK, swrp.StartAckPayload{Status: swrp.StartAckStatusOK, InitialCredits: 4}.Encode())
	require.NoError(t, <-done2)

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.StopStreaming(context.Background()) }()
	stop := p.readType(t, ctx)
	assert.Equal(t, swrp.STOP, stop.Type)
	p.write(t, ctx, swrp.STOPACK, nil)
	require.NoError(t, <-stopDone)
}

func TestFullStreamingLifecycleWithCreditAccounting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	capturer := media.NewMockCapturer(
		media.RawFrame{PTSUs: 1000, CaptureTSUs: 1000, Pixels: []byte("frame-one")},
		media.RawFrame{PTSUs: 2000, CaptureTSUs: 2000, Pixels: []byte("frame-two")},
	)
	encoder := media.NewEchoEncoder(0)

	s, p := newConnectedSource(t, WithCapturer(capturer), WithEncoder(encoder))
	handshakeTo(t, ctx, s, p)

	done := make(chan error, 1)
	cfg := session.StreamConfig{Width: 320, Height: 240, FPS: 30}
	go func() { done <- s.StartStreaming(ctx, cfg) }()

	start := p.readType(t, ctx)
	require.Equal(t, swrp.START, start.Type)
	p.write(t, ctx, swrp.STARTACK, swrp.StartAckPayload{Status: swrp.StartAckStatusOK, InitialCredits: 1}.Encode())
	require.NoError(t, <-done)
	require.Equal(t, pipeline.Streaming, s.State())

	// Drain exactly two FRAME segments (one per captured frame, since each
	// payload is well under the 64 KiB segment ceiling), ACKing each with
	// one credit so the Source's single initial credit is recycled.
	for i := 0; i < 2; i++ {
		pkt := p.readType(t, ctx)
		require.Equal(t, swrp.FRAME, pkt.Type)
		fp, err := swrp.DecodeFramePayload(pkt.Payload)
		require.NoError(t, err)
		assert.EqualValues(t, 0, fp.SegmentIndex)
		assert.EqualValues(t, 1, fp.SegmentCount)

		ack := swrp.FrameAckPayload{FrameNumber: fp.FrameNumber, CreditsReturned: 1}
		p.write(t, ctx, swrp.FRAMEACK, ack.Encode())
	}

	require.Eventually(t, func() bool {
		return s.GetStats().FramesSent >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	stopDone := make(chan error, 1)
	go func() { stopDone <- s.StopStreaming(stopCtx) }()

	stop := p.readType(t, stopCtx)
	assert.Equal(t, swrp.STOP, stop.Type)
	p.write(t, stopCtx, swrp.STOPACK, nil)

	require.NoError(t, <-stopDone)
	assert.Equal(t, pipeline.Ready, s.State())

	stats := s.GetStats()
	assert.EqualValues(t, 2, stats.FramesCaptured)
	assert.EqualValues(t, 2, stats.FramesSent)
	assert.Greater(t, stats.LatencyUs, uint64(0))
}

func TestCreditExhaustionBlocksUntilFrameAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	big := make([]byte, 150*1024) // spans 3 segments at 64 KiB each
	capturer := media.NewMockCapturer(media.RawFrame{Pixels: big})
	encoder := media.NewEchoEncoder(0)

	s, p := newConnectedSource(t, WithCapturer(capturer), WithEncoder(encoder))
	handshakeTo(t, ctx, s, p)

	done := make(chan error, 1)
	cfg := session.StreamConfig{Width: 320, Height: 240, FPS: 30}
	go func() { done <- s.StartStreaming(ctx, cfg) }()

	p.readType(t, ctx)
	p.write(t, ctx, swrp.STARTACK, swrp.StartAckPayload{Status: swrp.StartAckStatusOK, InitialCredits: 1}.Encode())
	require.NoError(t, <-done)

	first := p.readType(t, ctx)
	require.Equal(t, swrp.FRAME, first.Type)
	fp, err := swrp.DecodeFramePayload(first.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, fp.SegmentIndex)

	// With only one initial credit and no ACK yet, the next segment must
	// not arrive — the send task is blocked on flow control.
	blockCtx, blockCancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer blockCancel()
	_, err = p.t.Receive(blockCtx)
	require.Error(t, err, "expected the second segment to be withheld pending a FRAME_ACK")

	ack := swrp.FrameAckPayload{FrameNumber: fp.FrameNumber, CreditsReturned: 1}
	p.write(t, ctx, swrp.FRAMEACK, ack.Encode())

	second := p.readType(t, ctx)
	require.Equal(t, swrp.FRAME, second.Type)
	fp2, err := swrp.DecodeFramePayload(second.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fp2.SegmentIndex)
}

func TestDisconnectReturnsToDisconnectedState(t *testing.T) {
	s, _ := newConnectedSource(t)
	require.NoError(t, s.Disconnect())
	assert.Equal(t, pipeline.Disconnected, s.State())
}
