package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/achxy/serialwarp/internal/media"
	"github.com/achxy/serialwarp/internal/metrics"
	"github.com/achxy/serialwarp/internal/pipeline"
	"github.com/achxy/serialwarp/internal/session"
	"github.com/achxy/serialwarp/internal/source"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("swrp-source %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if cfg.transport == "mock" {
		metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
		if err := runSelfContainedDemo(ctx, cfg, l); err != nil {
			l.Error("demo_error", "error", err)
		}
		wg.Wait()
		return
	}

	var caps uint32
	if cfg.hiDPI {
		caps = swrp.CapHiDPI
	}

	capturer := newSyntheticCapturer(cfg.width, cfg.height, cfg.fps)
	encoder := media.NewEchoEncoder(cfg.fps)
	src := source.New(
		source.WithCapturer(capturer),
		source.WithEncoder(encoder),
		source.WithCaps(uint32(cfg.maxWidth), uint32(cfg.maxHeight), uint32(cfg.maxFPS), caps),
		source.WithSoftwareVersion(uint16(cfg.softwareVersion)),
		source.WithHandshakeTimeout(cfg.handshakeTO),
		source.WithPreviewRateLimit(cfg.previewRateHz),
		source.WithLogger(l),
	)

	metrics.SetReadinessFunc(func() bool {
		switch src.State() {
		case pipeline.Ready, pipeline.Starting, pipeline.Streaming:
			return true
		default:
			return false
		}
	})
	src.Observe(pipeline.Observer{
		OnState: func(from, to pipeline.State) { l.Info("state_transition", "from", from, "to", to) },
		OnError: func(err error) { l.Warn("pipeline_error", "error", err) },
	})

	l.Info("connecting", "transport", cfg.transport)
	if err := src.Connect(ctx, func(ctx context.Context) (transport.Transport, error) {
		return dialTransport(ctx, cfg)
	}); err != nil {
		l.Error("connect_failed", "error", err)
		return
	}

	streamCfg := session.StreamConfig{
		Width:      uint32(cfg.width),
		Height:     uint32(cfg.height),
		FPS:        uint32(cfg.fps),
		BitrateBps: uint32(cfg.bitrateBps),
	}
	l.Info("handshaking")
	if err := src.Handshake(ctx, &streamCfg); err != nil {
		l.Error("handshake_failed", "error", err)
		_ = src.Disconnect()
		return
	}
	l.Info("streaming", "width", cfg.width, "height", cfg.height, "fps", cfg.fps)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.handshakeTO)
	if err := src.StopStreaming(stopCtx); err != nil {
		l.Warn("stop_streaming_error", "error", err)
	}
	stopCancel()
	_ = src.Disconnect()
	wg.Wait()
}
