package main

import (
	"context"
	"time"

	"github.com/achxy/serialwarp/internal/media"
)

// syntheticCapturer stands in for the real OS-specific screen-capture
// producer (out of scope per the wire protocol core, an external
// collaborator). It paces itself to the configured frame rate and hands
// back a deterministic pixel buffer so swrp-source is runnable end to end
// without a real capture backend.
type syntheticCapturer struct {
	width, height int
	period        time.Duration
	start         time.Time
	frame         uint64
	ticker        *time.Ticker
}

func newSyntheticCapturer(width, height, fps int) *syntheticCapturer {
	return &syntheticCapturer{
		width:  width,
		height: height,
		period: time.Second / time.Duration(fps),
		start:  time.Now(),
		ticker: time.NewTicker(time.Second / time.Duration(fps)),
	}
}

func (c *syntheticCapturer) Capture(ctx context.Context) (media.RawFrame, error) {
	select {
	case <-ctx.Done():
		return media.RawFrame{}, ctx.Err()
	case <-c.ticker.C:
	}

	now := time.Now()
	pixels := make([]byte, c.width*c.height/64)
	for i := range pixels {
		pixels[i] = byte(c.frame + uint64(i))
	}
	c.frame++

	return media.RawFrame{
		PTSUs:       uint64(now.Sub(c.start).Microseconds()),
		CaptureTSUs: uint64(now.UnixMicro()),
		Pixels:      pixels,
		Width:       c.width,
		Height:      c.height,
	}, nil
}

func (c *syntheticCapturer) Close() error {
	c.ticker.Stop()
	return nil
}
