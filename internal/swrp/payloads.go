package swrp

import "github.com/achxy/serialwarp/internal/binpack"

// Capability bits for HelloPayload.Capabilities (§4.3). Unknown bits must be
// preserved on echo and otherwise ignored by this layer.
const (
	CapHiDPI uint32 = 0x01
	CapAudio uint32 = 0x02
)

// FPSToFixed and FixedToFPS implement the 16.16 fixed-point convention used
// by every fps_fixed field: fps_fixed = fps << 16.
func FPSToFixed(fps uint32) uint32 { return fps << 16 }
func FixedToFPS(fixed uint32) uint32 { return fixed >> 16 }

const helloPayloadLen = 28

// HelloPayload is the 28-byte HELLO / HELLO_ACK payload.
type HelloPayload struct {
	SoftwareVersion uint16
	MinProto        uint16
	MaxProto        uint16
	Reserved1       uint16
	MaxWidth        uint32
	MaxHeight       uint32
	MaxFPSFixed     uint32
	Capabilities    uint32
	Reserved2       uint32
}

func (h HelloPayload) Encode() []byte {
	buf := make([]byte, 0, helloPayloadLen)
	buf = binpack.PutUint16(buf, h.SoftwareVersion)
	buf = binpack.PutUint16(buf, h.MinProto)
	buf = binpack.PutUint16(buf, h.MaxProto)
	buf = binpack.PutUint16(buf, h.Reserved1)
	buf = binpack.PutUint32(buf, h.MaxWidth)
	buf = binpack.PutUint32(buf, h.MaxHeight)
	buf = binpack.PutUint32(buf, h.MaxFPSFixed)
	buf = binpack.PutUint32(buf, h.Capabilities)
	buf = binpack.PutUint32(buf, h.Reserved2)
	return buf
}

// DecodeHelloPayload decodes a HELLO/HELLO_ACK payload. Callers are expected
// to have already checked len(b) == helloPayloadLen via Parse.
func DecodeHelloPayload(b []byte) (HelloPayload, error) {
	var h HelloPayload
	var err error
	if h.SoftwareVersion, err = binpack.GetUint16(b[0:2]); err != nil {
		return h, err
	}
	h.MinProto, _ = binpack.GetUint16(b[2:4])
	h.MaxProto, _ = binpack.GetUint16(b[4:6])
	h.Reserved1, _ = binpack.GetUint16(b[6:8])
	h.MaxWidth, _ = binpack.GetUint32(b[8:12])
	h.MaxHeight, _ = binpack.GetUint32(b[12:16])
	h.MaxFPSFixed, _ = binpack.GetUint32(b[16:20])
	h.Capabilities, _ = binpack.GetUint32(b[20:24])
	h.Reserved2, _ = binpack.GetUint32(b[24:28])
	return h, nil
}

const startPayloadLen = 24

// StartPayload is the 24-byte START payload.
type StartPayload struct {
	Width            uint32
	Height           uint32
	FPSFixed         uint32
	BitrateBps       uint32
	PixelFormat      uint8
	AudioEnabled     uint8
	AudioSampleRate  uint16
	AudioChannels    uint8
	AudioBits        uint8
	Reserved         uint16
}

func (s StartPayload) Encode() []byte {
	buf := make([]byte, 0, startPayloadLen)
	buf = binpack.PutUint32(buf, s.Width)
	buf = binpack.PutUint32(buf, s.Height)
	buf = binpack.PutUint32(buf, s.FPSFixed)
	buf = binpack.PutUint32(buf, s.BitrateBps)
	buf = binpack.PutUint8(buf, s.PixelFormat)
	buf = binpack.PutUint8(buf, s.AudioEnabled)
	buf = binpack.PutUint16(buf, s.AudioSampleRate)
	buf = binpack.PutUint8(buf, s.AudioChannels)
	buf = binpack.PutUint8(buf, s.AudioBits)
	buf = binpack.PutUint16(buf, s.Reserved)
	return buf
}

func DecodeStartPayload(b []byte) (StartPayload, error) {
	var s StartPayload
	s.Width, _ = binpack.GetUint32(b[0:4])
	s.Height, _ = binpack.GetUint32(b[4:8])
	s.FPSFixed, _ = binpack.GetUint32(b[8:12])
	s.BitrateBps, _ = binpack.GetUint32(b[12:16])
	s.PixelFormat, _ = binpack.GetUint8(b[16:17])
	s.AudioEnabled, _ = binpack.GetUint8(b[17:18])
	s.AudioSampleRate, _ = binpack.GetUint16(b[18:20])
	s.AudioChannels, _ = binpack.GetUint8(b[20:21])
	s.AudioBits, _ = binpack.GetUint8(b[21:22])
	s.Reserved, _ = binpack.GetUint16(b[22:24])
	return s, nil
}

const startAckPayloadLen = 4

// StartAckStatusOK is the accepted status code; any other value is a
// rejection (the reason is implementation-defined and out of band).
const StartAckStatusOK uint8 = 0

// StartAckPayload is the 4-byte START_ACK payload.
type StartAckPayload struct {
	Status          uint8
	Reserved        uint8
	InitialCredits  uint16
}

func (s StartAckPayload) Encode() []byte {
	buf := make([]byte, 0, startAckPayloadLen)
	buf = binpack.PutUint8(buf, s.Status)
	buf = binpack.PutUint8(buf, s.Reserved)
	buf = binpack.PutUint16(buf, s.InitialCredits)
	return buf
}

func DecodeStartAckPayload(b []byte) (StartAckPayload, error) {
	var s StartAckPayload
	s.Status, _ = binpack.GetUint8(b[0:1])
	s.Reserved, _ = binpack.GetUint8(b[1:2])
	s.InitialCredits, _ = binpack.GetUint16(b[2:4])
	return s, nil
}

const frameHeaderLen = 32

// FramePayload is the FRAME payload: a 32-byte header plus the segment's
// raw bytes.
type FramePayload struct {
	FrameNumber   uint64
	PTSUs         uint64
	CaptureTSUs   uint64
	FrameSize     uint32
	SegmentIndex  uint16
	SegmentCount  uint16
	Data          []byte
}

func (f FramePayload) Encode() []byte {
	buf := make([]byte, 0, frameHeaderLen+len(f.Data))
	buf = binpack.PutUint64(buf, f.FrameNumber)
	buf = binpack.PutUint64(buf, f.PTSUs)
	buf = binpack.PutUint64(buf, f.CaptureTSUs)
	buf = binpack.PutUint32(buf, f.FrameSize)
	buf = binpack.PutUint16(buf, f.SegmentIndex)
	buf = binpack.PutUint16(buf, f.SegmentCount)
	buf = binpack.PutBytes(buf, f.Data)
	return buf
}

// DecodeFramePayload decodes a FRAME payload. b must be at least
// frameHeaderLen bytes (enforced by Parse's validatePayloadShape).
func DecodeFramePayload(b []byte) (FramePayload, error) {
	var f FramePayload
	f.FrameNumber, _ = binpack.GetUint64(b[0:8])
	f.PTSUs, _ = binpack.GetUint64(b[8:16])
	f.CaptureTSUs, _ = binpack.GetUint64(b[16:24])
	f.FrameSize, _ = binpack.GetUint32(b[24:28])
	f.SegmentIndex, _ = binpack.GetUint16(b[28:30])
	f.SegmentCount, _ = binpack.GetUint16(b[30:32])
	data := b[frameHeaderLen:]
	f.Data = make([]byte, len(data))
	copy(f.Data, data)
	return f, nil
}

const frameAckPayloadLen = 16

// FrameAckPayload is the 16-byte FRAME_ACK payload.
type FrameAckPayload struct {
	FrameNumber     uint64
	DecodeTimeUs    uint32
	CreditsReturned uint16
	Reserved        uint16
}

func (f FrameAckPayload) Encode() []byte {
	buf := make([]byte, 0, frameAckPayloadLen)
	buf = binpack.PutUint64(buf, f.FrameNumber)
	buf = binpack.PutUint32(buf, f.DecodeTimeUs)
	buf = binpack.PutUint16(buf, f.CreditsReturned)
	buf = binpack.PutUint16(buf, f.Reserved)
	return buf
}

func DecodeFrameAckPayload(b []byte) (FrameAckPayload, error) {
	var f FrameAckPayload
	f.FrameNumber, _ = binpack.GetUint64(b[0:8])
	f.DecodeTimeUs, _ = binpack.GetUint32(b[8:12])
	f.CreditsReturned, _ = binpack.GetUint16(b[12:14])
	f.Reserved, _ = binpack.GetUint16(b[14:16])
	return f, nil
}

const pingPayloadLen = 8

// PingPayload is the 8-byte PING payload.
type PingPayload struct {
	TimestampUs uint64
}

func (p PingPayload) Encode() []byte {
	buf := make([]byte, 0, pingPayloadLen)
	buf = binpack.PutUint64(buf, p.TimestampUs)
	return buf
}

func DecodePingPayload(b []byte) (PingPayload, error) {
	var p PingPayload
	p.TimestampUs, _ = binpack.GetUint64(b[0:8])
	return p, nil
}

const pongPayloadLen = 16

// PongPayload is the 16-byte PONG payload.
type PongPayload struct {
	PingTimestampUs uint64
	PongTimestampUs uint64
}

func (p PongPayload) Encode() []byte {
	buf := make([]byte, 0, pongPayloadLen)
	buf = binpack.PutUint64(buf, p.PingTimestampUs)
	buf = binpack.PutUint64(buf, p.PongTimestampUs)
	return buf
}

func DecodePongPayload(b []byte) (PongPayload, error) {
	var p PongPayload
	p.PingTimestampUs, _ = binpack.GetUint64(b[0:8])
	p.PongTimestampUs, _ = binpack.GetUint64(b[8:16])
	return p, nil
}
