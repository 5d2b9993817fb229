package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/achxy/serialwarp/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_captured", snap.FramesCaptured,
					"frames_sent", snap.FramesSent,
					"bytes_sent", snap.BytesSent,
					"frame_acks", snap.FrameAcksReceived,
					"checksum_mismatches", snap.ChecksumMismatches,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
