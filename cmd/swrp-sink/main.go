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
	"github.com/achxy/serialwarp/internal/sink"
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
		fmt.Printf("swrp-sink %s (commit %s, built %s)\n", version, commit, date)
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

	snk := sink.New(
		sink.WithDecoder(media.NewEchoDecoder()),
		sink.WithDisplay(&loggingDisplay{logger: l}),
		sink.WithCaps(uint32(cfg.maxWidth), uint32(cfg.maxHeight), uint32(cfg.maxFPS), 0),
		sink.WithSoftwareVersion(uint16(cfg.softwareVersion)),
		sink.WithInitialCredits(uint16(cfg.initialCredits)),
		sink.WithHandshakeTimeout(cfg.handshakeTO),
		sink.WithPreviewRateLimit(cfg.previewRateHz),
		sink.WithLogger(l),
	)

	metrics.SetReadinessFunc(func() bool {
		switch snk.State() {
		case pipeline.Ready, pipeline.Starting, pipeline.Streaming:
			return true
		default:
			return false
		}
	})
	snk.Observe(pipeline.Observer{
		OnState: func(from, to pipeline.State) { l.Info("state_transition", "from", from, "to", to) },
		OnError: func(err error) { l.Warn("pipeline_error", "error", err) },
	})

	l.Info("waiting_for_connection", "transport", cfg.transport)
	if err := snk.WaitForConnection(ctx, func(ctx context.Context) (transport.Transport, error) {
		return acceptTransport(ctx, cfg)
	}); err != nil {
		l.Error("accept_failed", "error", err)
		return
	}

	l.Info("handshaking")
	if err := snk.Handshake(ctx); err != nil {
		l.Error("handshake_failed", "error", err)
		_ = snk.Disconnect()
		return
	}

	l.Info("waiting_for_start")
	streamCfg, err := snk.StartDisplay(ctx)
	if err != nil {
		l.Error("start_display_failed", "error", err)
		_ = snk.Disconnect()
		return
	}
	l.Info("displaying", "width", streamCfg.Width, "height", streamCfg.Height, "fps", streamCfg.FPS)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.handshakeTO)
	if err := snk.StopDisplay(stopCtx); err != nil {
		l.Warn("stop_display_error", "error", err)
	}
	stopCancel()
	_ = snk.Disconnect()
	wg.Wait()
}
