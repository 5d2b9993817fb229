// Package media defines the narrow interfaces the pipelines use to talk to
// the external collaborators spec.md places out of scope: screen capture,
// the hardware H.264 encoder/decoder, and the display sink. Each interface
// is intentionally small — the pipeline owns the collaborator's lifecycle
// and calls it from exactly one task (§5).
package media

import (
	"context"

	"github.com/achxy/serialwarp/internal/frame"
)

// RawFrame is one captured pixel buffer with its presentation timestamp,
// as handed to the encoder.
type RawFrame struct {
	PTSUs       uint64
	CaptureTSUs uint64
	Pixels      []byte
	Width       int
	Height      int
}

// Capturer yields raw pixel buffers from the OS-specific screen capture
// producer. Capture blocks until a frame is available or ctx is done.
type Capturer interface {
	Capture(ctx context.Context) (RawFrame, error)
	Close() error
}

// Encoder turns a raw pixel buffer into an Annex-B H.264 byte stream. The
// caller assigns FrameNumber before calling Encode; the encoder fills in
// IsKeyframe from its own bitstream decision.
type Encoder interface {
	Encode(raw RawFrame, frameNumber uint64) (frame.EncodedFrame, error)
	// Flush drains any buffered frames (e.g. B-frame reordering, disabled by
	// default per spec.md §9) and must be called before teardown.
	Flush() ([]frame.EncodedFrame, error)
	Close() error
}

// Decoder turns a reassembled Annex-B byte stream back into a displayable
// frame. DecodeTimeUs is measured by the caller around the Decode call.
type Decoder interface {
	Decode(data []byte, metadata frame.Metadata) (DecodedFrame, error)
	Close() error
}

// DecodedFrame is a decoder's output, ready for Display.
type DecodedFrame struct {
	frame.Metadata
	Pixels []byte
	Width  int
	Height int
}

// Display presents a decoded frame to the sink's output surface.
type Display interface {
	Present(DecodedFrame) error
	Close() error
}
