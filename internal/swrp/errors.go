package swrp

import (
	"errors"
	"fmt"
)

// Sentinel framing errors, checked with errors.Is by callers that need to
// distinguish a malformed packet (drop and continue) from a short read
// (wait for more bytes, signaled by *binpack.BufferTooShort).
var (
	ErrInvalidMagic         = errors.New("swrp: invalid magic")
	ErrUnsupportedVersion   = errors.New("swrp: unsupported protocol version")
	ErrUnknownPacketType    = errors.New("swrp: unknown packet type")
	ErrInvalidPayloadLength = errors.New("swrp: invalid payload length")
	ErrFrameReassembly      = errors.New("swrp: invalid frame header")
	ErrInvalidStartParams   = errors.New("swrp: invalid start parameters")
)

// ChecksumMismatch is returned when a parsed packet's trailing CRC32C does
// not match the computed checksum of header+payload.
type ChecksumMismatch struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("swrp: checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}
