// Package metrics exposes the Prometheus series both swrp-source and
// swrp-sink publish, plus the /metrics and /ready HTTP endpoints.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/achxy/serialwarp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frames_captured_total",
		Help: "Total frames delivered by the capturer to the encoder.",
	})
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frames_encoded_total",
		Help: "Total frames successfully encoded.",
	})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frames_sent_total",
		Help: "Total frames whose segments were all written to the transport.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frames_dropped_total",
		Help: "Total captured frames that never reached the encoder or were rejected by it.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_bytes_sent_total",
		Help: "Total segment payload bytes written to the transport.",
	})
	SegmentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_segments_sent_total",
		Help: "Total FRAME packets written to the transport.",
	})
	FrameAcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frame_acks_received_total",
		Help: "Total FRAME_ACK packets received by the source (on the sink: FRAME_ACK packets sent).",
	})
	FramesReassembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_frames_reassembled_total",
		Help: "Total frames completed by the sink's reassembler.",
	})
	ReassemblyGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_reassembly_gaps_total",
		Help: "Total incomplete predecessor frames discarded by a reassembly gap.",
	})
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_checksum_mismatches_total",
		Help: "Total packets dropped due to CRC32C mismatch.",
	})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_malformed_packets_total",
		Help: "Total packets dropped due to framing errors other than checksum mismatch.",
	})
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swrp_state_transitions_total",
		Help: "Pipeline state transitions by destination state.",
	}, []string{"to"})
	CurrentCredits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swrp_current_credits",
		Help: "Current flow-control credit count on the source.",
	})
	CurrentFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swrp_current_fps",
		Help: "Measured frames-per-second over the last one-second stats window.",
	})
	CurrentBitrateBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swrp_current_bitrate_bps",
		Help: "Measured bitrate in bits/second over the last one-second stats window.",
	})
	LatencyMicros = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swrp_latency_us",
		Help: "Most recent capture-to-ack latency estimate, in microseconds.",
	})
	PreviewFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swrp_preview_frames_dropped_total",
		Help: "Total preview frames dropped because the preview queue was full.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTransportRead   = "transport_read"
	ErrTransportWrite  = "transport_write"
	ErrHandshake       = "handshake"
	ErrEncode          = "encode"
	ErrDecode          = "decode"
	ErrChecksum        = "checksum"
	ErrMalformedPacket = "malformed_packet"
)

// StartHTTP serves Prometheus metrics and the readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read in-process without a scrape.
var (
	localFramesCaptured uint64
	localFramesSent     uint64
	localBytesSent      uint64
	localFrameAcks      uint64
	localReassembled    uint64
	localGaps           uint64
	localChecksumErrs   uint64
	localMalformed      uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesCaptured     uint64
	FramesSent         uint64
	BytesSent          uint64
	FrameAcksReceived  uint64
	FramesReassembled  uint64
	ReassemblyGaps     uint64
	ChecksumMismatches uint64
	Malformed          uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesCaptured:     atomic.LoadUint64(&localFramesCaptured),
		FramesSent:         atomic.LoadUint64(&localFramesSent),
		BytesSent:          atomic.LoadUint64(&localBytesSent),
		FrameAcksReceived:  atomic.LoadUint64(&localFrameAcks),
		FramesReassembled:  atomic.LoadUint64(&localReassembled),
		ReassemblyGaps:     atomic.LoadUint64(&localGaps),
		ChecksumMismatches: atomic.LoadUint64(&localChecksumErrs),
		Malformed:          atomic.LoadUint64(&localMalformed),
		Errors:             atomic.LoadUint64(&localErrors),
	}
}

func IncFramesCaptured() {
	FramesCaptured.Inc()
	atomic.AddUint64(&localFramesCaptured, 1)
}

func IncFramesEncoded() { FramesEncoded.Inc() }

func IncFramesSent() {
	FramesSent.Inc()
	atomic.AddUint64(&localFramesSent, 1)
}

func IncFramesDropped() { FramesDropped.Inc() }

func AddBytesSent(n int) {
	BytesSent.Add(float64(n))
	atomic.AddUint64(&localBytesSent, uint64(n))
}

func IncSegmentsSent() { SegmentsSent.Inc() }

func IncFrameAcksReceived() {
	FrameAcksReceived.Inc()
	atomic.AddUint64(&localFrameAcks, 1)
}

func IncFramesReassembled() {
	FramesReassembled.Inc()
	atomic.AddUint64(&localReassembled, 1)
}

func IncReassemblyGaps() {
	ReassemblyGaps.Inc()
	atomic.AddUint64(&localGaps, 1)
}

func IncChecksumMismatch() {
	ChecksumMismatches.Inc()
	atomic.AddUint64(&localChecksumErrs, 1)
}

func IncMalformedPacket() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncPreviewFrameDropped() { PreviewFramesDropped.Inc() }

func ObserveStateTransition(to string) { StateTransitions.WithLabelValues(to).Inc() }

func SetCurrentCredits(n int) { CurrentCredits.Set(float64(n)) }

func SetCurrentFPS(fps float64) { CurrentFPS.Set(fps) }

func SetCurrentBitrateBps(bps float64) { CurrentBitrateBps.Set(bps) }

func SetLatencyMicros(us uint64) { LatencyMicros.Set(float64(us)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series so the first error of each kind does not pay registration
// latency on the hot path.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTransportRead, ErrTransportWrite, ErrHandshake,
		ErrEncode, ErrDecode, ErrChecksum, ErrMalformedPacket,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
