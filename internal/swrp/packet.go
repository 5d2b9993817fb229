// Package swrp implements the SWRP wire protocol: the fixed 16-byte packet
// header, CRC32C framing, and the typed payload for every packet type.
package swrp

import (
	"fmt"

	"github.com/achxy/serialwarp/internal/binpack"
	"github.com/achxy/serialwarp/internal/crc32c"
)

// Magic is the wire value of the four bytes 'S','W','R','P' read as a
// little-endian uint32 (first byte on the wire is 0x53).
const Magic uint32 = 0x50525753

// Version is the only protocol_version this package understands.
const Version uint8 = 1

// HeaderLen is the fixed size of a packet header, before payload and CRC.
const HeaderLen = 16

// CRCLen is the trailing checksum size.
const CRCLen = 4

// MaxPacketLen bounds the total wire size of one packet: header + the
// largest possible payload (a FRAME carrying one full 64 KiB segment) + the
// trailing checksum (§4.4). Streaming transports use this to tell a
// corrupt, implausibly large claimed length apart from a real packet that
// just hasn't fully arrived yet.
const MaxPacketLen = HeaderLen + frameHeaderLen + 64*1024 + CRCLen

// PacketType discriminates the payload carried by a Packet.
type PacketType uint8

const (
	HELLO     PacketType = 0x01
	HELLOACK  PacketType = 0x02
	START     PacketType = 0x03
	STARTACK  PacketType = 0x04
	FRAME     PacketType = 0x10
	FRAMEACK  PacketType = 0x11
	STOP      PacketType = 0x30
	STOPACK   PacketType = 0x31
	PING      PacketType = 0x40
	PONG      PacketType = 0x41
)

func (t PacketType) String() string {
	switch t {
	case HELLO:
		return "HELLO"
	case HELLOACK:
		return "HELLO_ACK"
	case START:
		return "START"
	case STARTACK:
		return "START_ACK"
	case FRAME:
		return "FRAME"
	case FRAMEACK:
		return "FRAME_ACK"
	case STOP:
		return "STOP"
	case STOPACK:
		return "STOP_ACK"
	case PING:
		return "PING"
	case PONG:
		return "PONG"
	default:
		return fmt.Sprintf("PacketType(0x%02x)", uint8(t))
	}
}

func validPacketType(t PacketType) bool {
	switch t {
	case HELLO, HELLOACK, START, STARTACK, FRAME, FRAMEACK, STOP, STOPACK, PING, PONG:
		return true
	default:
		return false
	}
}

// Packet is the parsed form of one SWRP wire message: header fields plus the
// raw, still-undecoded payload bytes. Typed payload structs in payloads.go
// encode to/decode from Payload.
type Packet struct {
	Type     PacketType
	Flags    uint16
	Sequence uint32
	Payload  []byte
}

// Serialize encodes p as header | payload | crc32c, returning a freshly
// allocated buffer.
func Serialize(p Packet) []byte {
	buf := make([]byte, 0, HeaderLen+len(p.Payload)+CRCLen)
	buf = binpack.PutUint32(buf, Magic)
	buf = binpack.PutUint8(buf, Version)
	buf = binpack.PutUint8(buf, uint8(p.Type))
	buf = binpack.PutUint16(buf, p.Flags)
	buf = binpack.PutUint32(buf, p.Sequence)
	buf = binpack.PutUint32(buf, uint32(len(p.Payload)))
	buf = binpack.PutBytes(buf, p.Payload)
	sum := crc32c.Checksum(buf)
	buf = binpack.PutUint32(buf, sum)
	return buf
}

// Parse reads exactly one packet from the start of buf and returns it along
// with the number of bytes consumed. It validates the fixed header fields,
// the trailing checksum, and (for FRAME/START payloads) the parse-time
// invariants from §4.3 before returning.
func Parse(buf []byte) (Packet, int, error) {
	if err := checkLen(buf, HeaderLen); err != nil {
		return Packet{}, 0, err
	}

	magic, _ := binpack.GetUint32(buf[0:4])
	if magic != Magic {
		return Packet{}, 0, ErrInvalidMagic
	}
	version, _ := binpack.GetUint8(buf[4:5])
	if version != Version {
		return Packet{}, 0, ErrUnsupportedVersion
	}
	rawType, _ := binpack.GetUint8(buf[5:6])
	pt := PacketType(rawType)
	if !validPacketType(pt) {
		return Packet{}, 0, ErrUnknownPacketType
	}
	flags, _ := binpack.GetUint16(buf[6:8])
	sequence, _ := binpack.GetUint32(buf[8:12])
	payloadLen, _ := binpack.GetUint32(buf[12:16])

	total := HeaderLen + int(payloadLen) + CRCLen
	if err := checkLen(buf, total); err != nil {
		return Packet{}, 0, err
	}

	payload, err := binpack.GetBytes(buf[HeaderLen:], int(payloadLen))
	if err != nil {
		return Packet{}, 0, err
	}
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	expected, _ := binpack.GetUint32(buf[HeaderLen+int(payloadLen) : total])
	actual := crc32c.Checksum(buf[:HeaderLen+int(payloadLen)])
	if expected != actual {
		return Packet{}, 0, &ChecksumMismatch{Expected: expected, Actual: actual}
	}

	p := Packet{Type: pt, Flags: flags, Sequence: sequence, Payload: payloadCopy}
	if err := validatePayloadShape(p); err != nil {
		return Packet{}, 0, err
	}
	return p, total, nil
}

// PeekPacketLen inspects buf's header, if present, and reports the total
// wire length (header + payload + crc) the next Parse call will need. ok is
// false when buf is shorter than HeaderLen; it does not validate magic,
// version, or checksum, so a caller still accumulating bytes from a stream
// should treat a PeekPacketLen-sized buffer as "maybe enough" and let Parse
// itself reject a misaligned header.
func PeekPacketLen(buf []byte) (total int, ok bool) {
	if len(buf) < HeaderLen {
		return 0, false
	}
	payloadLen, _ := binpack.GetUint32(buf[12:16])
	return HeaderLen + int(payloadLen) + CRCLen, true
}

func checkLen(buf []byte, n int) error {
	if len(buf) < n {
		return &binpack.BufferTooShort{Needed: n, Available: len(buf)}
	}
	return nil
}

// validatePayloadShape enforces the fixed-length and field invariants of
// §4.3 for packet types whose payload layout is known at this layer.
func validatePayloadShape(p Packet) error {
	switch p.Type {
	case HELLO, HELLOACK:
		if len(p.Payload) != helloPayloadLen {
			return ErrInvalidPayloadLength
		}
	case START:
		if len(p.Payload) != startPayloadLen {
			return ErrInvalidPayloadLength
		}
		width, _ := binpack.GetUint32(p.Payload[0:4])
		height, _ := binpack.GetUint32(p.Payload[4:8])
		if width == 0 || height == 0 {
			return ErrInvalidStartParams
		}
	case STARTACK:
		if len(p.Payload) != startAckPayloadLen {
			return ErrInvalidPayloadLength
		}
	case FRAME:
		if len(p.Payload) < frameHeaderLen {
			return ErrInvalidPayloadLength
		}
		segmentIndex, _ := binpack.GetUint16(p.Payload[28:30])
		segmentCount, _ := binpack.GetUint16(p.Payload[30:32])
		if segmentCount == 0 || segmentIndex >= segmentCount {
			return ErrFrameReassembly
		}
	case FRAMEACK:
		if len(p.Payload) != frameAckPayloadLen {
			return ErrInvalidPayloadLength
		}
	case STOP, STOPACK:
		if len(p.Payload) != 0 {
			return ErrInvalidPayloadLength
		}
	case PING:
		if len(p.Payload) != pingPayloadLen {
			return ErrInvalidPayloadLength
		}
	case PONG:
		if len(p.Payload) != pongPayloadLen {
			return ErrInvalidPayloadLength
		}
	}
	return nil
}
