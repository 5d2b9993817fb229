package main

import (
	"context"
	"log/slog"

	"github.com/achxy/serialwarp/internal/media"
	"github.com/achxy/serialwarp/internal/session"
	"github.com/achxy/serialwarp/internal/sink"
	"github.com/achxy/serialwarp/internal/source"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// loggingDisplay presents each decoded frame by logging its size, standing in
// for a real display surface in the --transport=mock self-contained demo.
type loggingDisplay struct {
	logger *slog.Logger
}

func (d *loggingDisplay) Present(f media.DecodedFrame) error {
	d.logger.Debug("demo_frame_presented", "frame_number", f.FrameNumber, "bytes", len(f.Pixels))
	return nil
}

func (d *loggingDisplay) Close() error { return nil }

// runSelfContainedDemo wires a Source and a Sink together over an in-process
// transport.MockPair, for --transport=mock: a single binary that exercises
// the whole handshake/stream/stop lifecycle without any external peer or
// real hardware link.
func runSelfContainedDemo(ctx context.Context, cfg *appConfig, logger *slog.Logger) error {
	srcTransport, sinkTransport := transport.MockPair()

	var caps uint32
	if cfg.hiDPI {
		caps = swrp.CapHiDPI
	}

	capturer := newSyntheticCapturer(cfg.width, cfg.height, cfg.fps)
	encoder := media.NewEchoEncoder(cfg.fps)
	src := source.New(
		source.WithTransport(srcTransport),
		source.WithCapturer(capturer),
		source.WithEncoder(encoder),
		source.WithCaps(uint32(cfg.maxWidth), uint32(cfg.maxHeight), uint32(cfg.maxFPS), caps),
		source.WithSoftwareVersion(uint16(cfg.softwareVersion)),
		source.WithHandshakeTimeout(cfg.handshakeTO),
		source.WithPreviewRateLimit(cfg.previewRateHz),
		source.WithLogger(logger.With("side", "source")),
	)

	snk := sink.New(
		sink.WithTransport(sinkTransport),
		sink.WithDecoder(media.NewEchoDecoder()),
		sink.WithDisplay(&loggingDisplay{logger: logger.With("side", "sink")}),
		sink.WithCaps(uint32(cfg.maxWidth), uint32(cfg.maxHeight), uint32(cfg.maxFPS), 0),
		sink.WithHandshakeTimeout(cfg.handshakeTO),
		sink.WithLogger(logger.With("side", "sink")),
	)

	sinkDone := make(chan error, 1)
	go func() {
		if err := snk.WaitForConnection(ctx, func(ctx context.Context) (transport.Transport, error) {
			return sinkTransport, nil
		}); err != nil {
			sinkDone <- err
			return
		}
		if err := snk.Handshake(ctx); err != nil {
			sinkDone <- err
			return
		}
		_, err := snk.StartDisplay(ctx)
		sinkDone <- err
	}()

	if err := src.Connect(ctx, func(ctx context.Context) (transport.Transport, error) {
		return srcTransport, nil
	}); err != nil {
		return err
	}

	cfgStream := session.StreamConfig{
		Width:      uint32(cfg.width),
		Height:     uint32(cfg.height),
		FPS:        uint32(cfg.fps),
		BitrateBps: uint32(cfg.bitrateBps),
	}
	if err := src.Handshake(ctx, &cfgStream); err != nil {
		return err
	}
	if err := <-sinkDone; err != nil {
		return err
	}

	logger.Info("demo_streaming", "width", cfg.width, "height", cfg.height, "fps", cfg.fps)
	<-ctx.Done()

	_ = src.StopStreaming(context.Background())
	_ = src.Disconnect()
	_ = snk.Disconnect()
	return nil
}
