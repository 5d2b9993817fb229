package segment

import "testing"

func BenchmarkSplit_1MiB(b *testing.B) {
	f := mkFrame(1 << 20)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Split(f)
	}
}

func BenchmarkReassembler_Feed_1MiB(b *testing.B) {
	f := mkFrame(1 << 20)
	segs, err := Split(f)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := New()
		for _, s := range segs {
			r.Feed(s.FrameNumber, s.PTSUs, s.CaptureTSUs, s.FrameSize, s.SegmentIndex, s.SegmentCount, s.Data)
		}
	}
}
