package swrp

import "testing"

func benchmarkFramePacket(segmentBytes int) Packet {
	data := make([]byte, segmentBytes)
	for i := range data {
		data[i] = byte(i)
	}
	payload := FramePayload{
		FrameNumber:  1,
		PTSUs:        1000,
		CaptureTSUs:  900,
		FrameSize:    uint32(segmentBytes),
		SegmentIndex: 0,
		SegmentCount: 1,
		Data:         data,
	}
	return Packet{Type: FRAME, Sequence: 1, Payload: payload.Encode()}
}

func BenchmarkSerialize_Frame64KiB(b *testing.B) {
	p := benchmarkFramePacket(64 * 1024)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Serialize(p)
	}
}

func BenchmarkParse_Frame64KiB(b *testing.B) {
	wire := Serialize(benchmarkFramePacket(64 * 1024))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _, _ = Parse(wire)
	}
}

func BenchmarkSerialize_Hello(b *testing.B) {
	p := Packet{Type: HELLO, Sequence: 1, Payload: HelloPayload{MaxWidth: 1920, MaxHeight: 1080, MaxFPSFixed: FPSToFixed(60)}.Encode()}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Serialize(p)
	}
}
