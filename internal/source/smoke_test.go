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
	"github.com/achxy/serialwarp/internal/sink"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// TestSmokeSourceSinkHandshakeAndStream drives a real Source against a real
// Sink over a transport.MockPair, covering the handshake-OK and
// single-segment-frame seed scenarios end to end.
func TestSmokeSourceSinkHandshakeAndStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srcTransport, sinkTransport := transport.MockPair()

	capturer := media.NewMockCapturer(media.RawFrame{PTSUs: 1000, CaptureTSUs: 2000, Pixels: []byte{0x01, 0x02, 0x03, 0x04}})
	encoder := media.NewEchoEncoder(0)
	src := New(
		WithTransport(srcTransport),
		WithCapturer(capturer),
		WithEncoder(encoder),
		WithCaps(3840, 2160, 120, swrp.CapHiDPI),
		WithHandshakeTimeout(2*time.Second),
	)

	decoder := media.NewEchoDecoder()
	display := media.NewRecordingDisplay()
	snk := sink.New(
		sink.WithTransport(sinkTransport),
		sink.WithDecoder(decoder),
		sink.WithDisplay(display),
		sink.WithHandshakeTimeout(2*time.Second),
		sink.WithInitialCredits(8),
	)

	srcDone := make(chan error, 1)
	go func() {
		if err := src.Connect(ctx, func(ctx context.Context) (transport.Transport, error) {
			return srcTransport, nil
		}); err != nil {
			srcDone <- err
			return
		}
		srcDone <- src.Handshake(ctx, nil)
	}()

	sinkDone := make(chan error, 1)
	go func() {
		if err := snk.WaitForConnection(ctx, func(ctx context.Context) (transport.Transport, error) {
			return sinkTransport, nil
		}); err != nil {
			sinkDone <- err
			return
		}
		sinkDone <- snk.Handshake(ctx)
	}()

	require.NoError(t, <-srcDone)
	require.NoError(t, <-sinkDone)
	assert.Equal(t, pipeline.Ready, src.State())
	assert.Equal(t, pipeline.Ready, snk.State())

	cfg := session.StreamConfig{Width: 1920, Height: 1080, FPS: 60, BitrateBps: 20_000_000}

	startSrcDone := make(chan error, 1)
	go func() { startSrcDone <- src.StartStreaming(ctx, cfg) }()
	startSinkDone := make(chan error, 1)
	go func() {
		_, err := snk.StartDisplay(ctx)
		startSinkDone <- err
	}()

	require.NoError(t, <-startSrcDone)
	require.NoError(t, <-startSinkDone)
	assert.Equal(t, pipeline.Streaming, src.State())
	assert.Equal(t, pipeline.Streaming, snk.State())

	require.Eventually(t, func() bool {
		return len(display.Frames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, display.Frames()[0].Pixels)

	require.Eventually(t, func() bool {
		return src.GetStats().FramesSent == 1 && src.flow.Current() == 8
	}, 2*time.Second, 10*time.Millisecond)

	stopSrcDone := make(chan error, 1)
	go func() { stopSrcDone <- src.StopStreaming(ctx) }()
	require.NoError(t, <-stopSrcDone)

	require.Eventually(t, func() bool {
		return snk.State() == pipeline.Ready
	}, 2*time.Second, 10*time.Millisecond)
}
