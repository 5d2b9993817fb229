package main

import (
	"log/slog"

	"github.com/achxy/serialwarp/internal/media"
)

// loggingDisplay stands in for the real output surface (out of scope per the
// wire protocol core, an external collaborator): it logs each presented
// frame's size so swrp-sink is runnable end to end without a real display.
type loggingDisplay struct {
	logger *slog.Logger
}

func (d *loggingDisplay) Present(f media.DecodedFrame) error {
	d.logger.Debug("frame_presented", "frame_number", f.FrameNumber, "bytes", len(f.Pixels))
	return nil
}

func (d *loggingDisplay) Close() error { return nil }
