// Package binpack provides allocation-free little-endian pack/unpack
// primitives over byte buffers, shared by every SWRP wire codec.
package binpack

import (
	"encoding/binary"
	"fmt"
)

// BufferTooShort is returned by any Get* function when the buffer does not
// hold enough bytes to satisfy the read.
type BufferTooShort struct {
	Needed    int
	Available int
}

func (e *BufferTooShort) Error() string {
	return fmt.Sprintf("binpack: buffer too short: need %d bytes, have %d", e.Needed, e.Available)
}

func need(b []byte, n int) error {
	if len(b) < n {
		return &BufferTooShort{Needed: n, Available: len(b)}
	}
	return nil
}

// GetUint8 reads one byte at offset 0 of b.
func GetUint8(b []byte) (uint8, error) {
	if err := need(b, 1); err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetUint16 reads a little-endian uint16 from the start of b.
func GetUint16(b []byte) (uint16, error) {
	if err := need(b, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// GetUint32 reads a little-endian uint32 from the start of b.
func GetUint32(b []byte) (uint32, error) {
	if err := need(b, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetUint64 reads a little-endian uint64 from the start of b.
func GetUint64(b []byte) (uint64, error) {
	if err := need(b, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetBytes returns a bounded slice of n bytes from the start of b. The
// returned slice aliases b; callers that retain it across a reused buffer
// must copy.
func GetBytes(b []byte, n int) ([]byte, error) {
	if err := need(b, n); err != nil {
		return nil, err
	}
	return b[:n], nil
}

// PutUint8 appends a single byte to dst and returns the extended slice.
func PutUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

// PutUint16 appends a little-endian uint16 to dst and returns the extended slice.
func PutUint16(dst []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(dst, tmp[:]...)
}

// PutUint32 appends a little-endian uint32 to dst and returns the extended slice.
func PutUint32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(dst, tmp[:]...)
}

// PutUint64 appends a little-endian uint64 to dst and returns the extended slice.
func PutUint64(dst []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(dst, tmp[:]...)
}

// PutBytes appends raw bytes to dst and returns the extended slice.
func PutBytes(dst []byte, v []byte) []byte {
	return append(dst, v...)
}
