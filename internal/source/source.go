// Package source implements the SWRP source pipeline (§4.7): capture,
// encode, segment, and send on one side of the link, paired with a receive
// task handling FRAME_ACK/PING and a once-per-second stats task.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/achxy/serialwarp/internal/flowctl"
	"github.com/achxy/serialwarp/internal/logging"
	"github.com/achxy/serialwarp/internal/media"
	"github.com/achxy/serialwarp/internal/metrics"
	"github.com/achxy/serialwarp/internal/pipeline"
	"github.com/achxy/serialwarp/internal/segment"
	"github.com/achxy/serialwarp/internal/session"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// ErrHandshakeFailed is returned when the peer rejects START (status != 0)
// or replies to HELLO/START with an unexpected packet type.
var ErrHandshakeFailed = errors.New("source: handshake failed")

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultInitialCredits   = 8
	defaultStopAckWait      = 2 * time.Second
	defaultPreviewRateHz    = 2.0
)

// Source drives one side of an SWRP link: connect, handshake, stream, and
// stop, per the public API surface of §6.
type Source struct {
	mu        sync.Mutex
	transport transport.Transport
	capturer  media.Capturer
	encoder   media.Encoder

	machine *pipeline.Machine
	flow    *flowctl.Controller
	latency *session.LatencyTracker
	sess    *session.Session

	sequence        atomic.Uint32
	handshakeDelay  time.Duration
	maxWidth        uint32
	maxHeight       uint32
	maxFPS          uint32
	capabilities    uint32
	softwareVersion uint16

	previewQueue   *pipeline.PreviewQueue
	previewLimiter *rate.Limiter

	logger *slog.Logger

	recvBuf bytes.Buffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithTransport installs the link the Source runs over. Required.
func WithTransport(t transport.Transport) Option {
	return func(s *Source) { s.transport = t }
}

// WithCapturer installs the screen-capture producer. Required before
// StartStreaming.
func WithCapturer(c media.Capturer) Option {
	return func(s *Source) { s.capturer = c }
}

// WithEncoder installs the H.264 encoder. Required before StartStreaming.
func WithEncoder(e media.Encoder) Option {
	return func(s *Source) { s.encoder = e }
}

// WithHandshakeTimeout bounds HELLO/START round trips.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.handshakeDelay = d
		}
	}
}

// WithCaps advertises this source's maximum supported resolution/fps and
// capability bits in HELLO.
func WithCaps(maxWidth, maxHeight, maxFPS uint32, capabilities uint32) Option {
	return func(s *Source) {
		s.maxWidth = maxWidth
		s.maxHeight = maxHeight
		s.maxFPS = maxFPS
		s.capabilities = capabilities
	}
}

// WithSoftwareVersion sets the HELLO software_version field.
func WithSoftwareVersion(v uint16) Option {
	return func(s *Source) { s.softwareVersion = v }
}

// WithLogger overrides the default process-wide logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPreviewRateLimit bounds how many preview frames per second are
// forwarded to the observer; excess frames are dropped, not queued.
func WithPreviewRateLimit(hz float64) Option {
	return func(s *Source) {
		if hz > 0 {
			s.previewLimiter = rate.NewLimiter(rate.Limit(hz), 1)
		}
	}
}

// New constructs a Source in the Disconnected state.
func New(opts ...Option) *Source {
	s := &Source{
		machine:         pipeline.NewMachine(),
		flow:            flowctl.New(),
		latency:         session.NewLatencyTracker(0),
		handshakeDelay:  defaultHandshakeTimeout,
		maxWidth:        3840,
		maxHeight:       2160,
		maxFPS:          120,
		softwareVersion: 1,
		previewLimiter:  rate.NewLimiter(rate.Limit(defaultPreviewRateHz), 1),
		logger:          logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current pipeline state.
func (s *Source) State() pipeline.State { return s.machine.State() }

// Observe registers an Observer for state/stats/preview/error callbacks.
func (s *Source) Observe(o pipeline.Observer) (unregister func()) {
	return s.machine.Observe(o)
}

// GetStats returns the active session's counters, or a zero value if no
// session is active.
func (s *Source) GetStats() session.Stats {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return session.Stats{}
	}
	return sess.Stats()
}

// Connect transitions Disconnected -> Connecting -> Connected, retrying the
// underlying dial (via the caller-supplied reconnect func) with exponential
// backoff until it succeeds, ctx is done, or the backoff library's default
// maximum elapsed time (15 minutes) runs out.
func (s *Source) Connect(ctx context.Context, dial func(context.Context) (transport.Transport, error)) error {
	if err := s.machine.Transition(pipeline.Connecting); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Connecting.String())

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var t transport.Transport
	err := backoff.Retry(func() error {
		var dialErr error
		t, dialErr = dial(ctx)
		return dialErr
	}, b)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return fmt.Errorf("source: connect: %w", err)
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.recvBuf.Reset() // a prior connection's trailing bytes don't belong to this one

	if err := s.machine.Transition(pipeline.Connected); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Connected.String())
	return nil
}

// Handshake runs HELLO/HELLO_ACK then, if cfg is non-nil, START/START_ACK,
// transitioning Connected -> Handshaking -> Ready (and -> Streaming if a
// StreamConfig was supplied and accepted).
func (s *Source) Handshake(ctx context.Context, cfg *session.StreamConfig) error {
	if err := s.machine.Transition(pipeline.Handshaking); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Handshaking.String())

	hctx, cancel := context.WithTimeout(ctx, s.handshakeDelay)
	defer cancel()

	if err := s.sendHello(hctx); err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}

	if err := s.machine.Transition(pipeline.Ready); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Ready.String())

	if cfg == nil {
		return nil
	}
	return s.StartStreaming(ctx, *cfg)
}

func (s *Source) sendHello(ctx context.Context) error {
	hello := swrp.HelloPayload{
		SoftwareVersion: s.softwareVersion,
		MinProto:        uint16(swrp.Version),
		MaxProto:        uint16(swrp.Version),
		MaxWidth:        s.maxWidth,
		MaxHeight:       s.maxHeight,
		MaxFPSFixed:     swrp.FPSToFixed(s.maxFPS),
		Capabilities:    s.capabilities,
	}
	if err := s.writePacket(ctx, swrp.HELLO, hello.Encode()); err != nil {
		return err
	}
	p, err := s.readPacket(ctx)
	if err != nil {
		return err
	}
	if p.Type != swrp.HELLOACK {
		return fmt.Errorf("%w: expected HELLO_ACK, got %s", ErrHandshakeFailed, p.Type)
	}
	return nil
}

// StartStreaming negotiates START/START_ACK and, on acceptance, launches
// the three long-running tasks (§4.7) and transitions Ready -> Starting ->
// Streaming.
func (s *Source) StartStreaming(ctx context.Context, cfg session.StreamConfig) error {
	if err := s.machine.Transition(pipeline.Starting); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Starting.String())

	sctx, cancel := context.WithTimeout(ctx, s.handshakeDelay)
	defer cancel()

	start := swrp.StartPayload{
		Width:      cfg.Width,
		Height:     cfg.Height,
		FPSFixed:   swrp.FPSToFixed(cfg.FPS),
		BitrateBps: cfg.BitrateBps,
	}
	if err := s.writePacket(sctx, swrp.START, start.Encode()); err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}
	p, err := s.readPacket(sctx)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}
	if p.Type != swrp.STARTACK {
		_ = s.machine.Transition(pipeline.Error)
		return fmt.Errorf("%w: expected START_ACK, got %s", ErrHandshakeFailed, p.Type)
	}
	ack, err := swrp.DecodeStartAckPayload(p.Payload)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}
	if ack.Status != swrp.StartAckStatusOK {
		_ = s.machine.Transition(pipeline.Ready)
		return fmt.Errorf("%w: status=%d", ErrHandshakeFailed, ack.Status)
	}

	initialCredits := int(ack.InitialCredits)
	if initialCredits == 0 {
		initialCredits = defaultInitialCredits
	}
	s.flow.SetInitial(initialCredits)
	metrics.SetCurrentCredits(initialCredits)

	s.mu.Lock()
	s.sess = session.New(cfg)
	sess := s.sess
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.previewQueue = pipeline.NewPreviewQueue(runCtx, 4, s.machine.NotifyPreview)

	if err := s.machine.Transition(pipeline.Streaming); err != nil {
		cancel()
		return err
	}
	metrics.ObserveStateTransition(pipeline.Streaming.String())

	s.wg.Add(3)
	go s.runCaptureEncodeSend(runCtx, sess)
	go s.runReceive(runCtx, sess)
	go s.runStats(runCtx, sess)
	return nil
}

// StopStreaming cancels the three tasks, sends STOP, and waits briefly for
// STOP_ACK before transitioning back to Ready. A missing STOP_ACK is not
// fatal, matching §4.7.
func (s *Source) StopStreaming(ctx context.Context) error {
	if err := s.machine.Transition(pipeline.Stopping); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Stopping.String())

	if s.cancel != nil {
		s.cancel()
	}
	s.flow.Reset()
	s.wg.Wait()
	if s.previewQueue != nil {
		s.previewQueue.Close()
	}

	if s.encoder != nil {
		_, _ = s.encoder.Flush()
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultStopAckWait)
	defer cancel()
	if err := s.writePacket(stopCtx, swrp.STOP, nil); err == nil {
		_, _ = s.readPacket(stopCtx) // best-effort STOP_ACK wait
	}

	return s.machine.Transition(pipeline.Ready)
}

// Disconnect tears down the transport and returns to Disconnected from any
// state.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	return s.machine.Transition(pipeline.Disconnected)
}

func (s *Source) nextSequence() uint32 { return s.sequence.Add(1) }

func (s *Source) writePacket(ctx context.Context, typ swrp.PacketType, payload []byte) error {
	p := swrp.Packet{Type: typ, Sequence: s.nextSequence(), Payload: payload}
	wire := swrp.Serialize(p)
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if err := t.Send(ctx, wire); err != nil {
		metrics.IncError(metrics.ErrTransportWrite)
		return err
	}
	return nil
}

// readPacket drains s.recvBuf one packet at a time, pulling more bytes off
// the transport only once the buffer can't satisfy a full packet. Receive
// may hand back a chunk spanning several packets (or a trailing partial
// one); any bytes the stream transports leave over, and any bytes this
// packet didn't consume, stay in recvBuf for the next call. A packet whose
// checksum fails after its header parsed is dropped whole, so the next packet
// stays aligned. Any other parse failure once enough bytes are present is
// treated as misalignment: bytes are dropped one at a time until the buffer
// resynchronizes on a valid header.
func (s *Source) readPacket(ctx context.Context) (swrp.Packet, error) {
	for {
		if total, ok := swrp.PeekPacketLen(s.recvBuf.Bytes()); ok {
			if total > swrp.MaxPacketLen {
				metrics.IncError(metrics.ErrMalformedPacket)
				s.recvBuf.Next(1)
				continue
			}
			if s.recvBuf.Len() >= total {
				p, n, err := swrp.Parse(s.recvBuf.Bytes())
				if err != nil {
					metrics.IncError(metrics.ErrMalformedPacket)
					if errors.As(err, new(*swrp.ChecksumMismatch)) {
						s.recvBuf.Next(total) // header parsed: drop the whole packet
					} else {
						s.recvBuf.Next(1)
					}
					continue
				}
				s.recvBuf.Next(n)
				return p, nil
			}
		}

		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		chunk, err := t.Receive(ctx)
		if err != nil {
			metrics.IncError(metrics.ErrTransportRead)
			return swrp.Packet{}, err
		}
		s.recvBuf.Write(chunk)
	}
}

func (s *Source) runCaptureEncodeSend(ctx context.Context, sess *session.Session) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := s.capturer.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sess.AddFramesDropped()
			metrics.IncFramesDropped()
			continue
		}
		sess.AddFramesCaptured()
		metrics.IncFramesCaptured()

		frameNumber := sess.NextFrameNumber()
		encoded, err := s.encoder.Encode(raw, frameNumber)
		if err != nil {
			sess.AddFramesDropped()
			metrics.IncFramesDropped()
			metrics.IncError(metrics.ErrEncode)
			continue
		}
		sess.AddFramesEncoded()
		metrics.IncFramesEncoded()
		s.latency.Record(frameNumber, encoded.CaptureTSUs)

		segs, err := segment.Split(encoded)
		if err != nil {
			sess.AddFramesDropped()
			metrics.IncFramesDropped()
			continue
		}

		sent := 0
		for _, seg := range segs {
			for {
				if err := s.flow.Acquire(ctx); err != nil {
					return
				}
				if s.flow.TryConsume() {
					break
				}
				// Lost the race with a concurrent consumer or the credit
				// pool was reset mid-acquire; retry for this same segment.
				if ctx.Err() != nil {
					return
				}
			}
			metrics.SetCurrentCredits(s.flow.Current())

			fp := swrp.FramePayload{
				FrameNumber:  seg.FrameNumber,
				PTSUs:        seg.PTSUs,
				CaptureTSUs:  seg.CaptureTSUs,
				FrameSize:    seg.FrameSize,
				SegmentIndex: seg.SegmentIndex,
				SegmentCount: seg.SegmentCount,
				Data:         seg.Data,
			}
			if err := s.writePacket(ctx, swrp.FRAME, fp.Encode()); err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			metrics.IncSegmentsSent()
			metrics.AddBytesSent(len(seg.Data))
			sent += len(seg.Data)
		}
		sess.AddSent(sent)
		metrics.IncFramesSent()

		if s.previewLimiter.Allow() {
			_ = s.previewQueue.Enqueue(encoded.Data)
		}
	}
}

func (s *Source) runReceive(ctx context.Context, sess *session.Session) {
	defer s.wg.Done()
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p, err := s.readPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= 3 {
				s.machine.NotifyError(fmt.Errorf("source: receive task: %w", err))
				_ = s.machine.Transition(pipeline.Error)
				return
			}
			continue
		}
		consecutiveErrors = 0

		switch p.Type {
		case swrp.FRAMEACK:
			ack, err := swrp.DecodeFrameAckPayload(p.Payload)
			if err != nil {
				continue
			}
			s.flow.Return(int(ack.CreditsReturned))
			metrics.SetCurrentCredits(s.flow.Current())
			metrics.IncFrameAcksReceived()
			if capTS, ok := s.latency.Take(ack.FrameNumber); ok {
				now := uint64(time.Now().UnixMicro())
				if now > capTS {
					latency := now - capTS
					sess.SetLatencyUs(latency)
					metrics.SetLatencyMicros(latency)
				}
			}
		case swrp.PING:
			ping, err := swrp.DecodePingPayload(p.Payload)
			if err != nil {
				continue
			}
			pong := swrp.PongPayload{
				PingTimestampUs: ping.TimestampUs,
				PongTimestampUs: uint64(time.Now().UnixMicro()),
			}
			_ = s.writePacket(ctx, swrp.PONG, pong.Encode())
		default:
			s.logger.Debug("source_receive_ignored", "type", p.Type.String())
		}
	}
}

func (s *Source) runStats(ctx context.Context, sess *session.Session) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastFrames, lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := sess.Stats()
			fps := float64(cur.FramesCaptured - lastFrames)
			bitrate := 8 * float64(cur.BytesSent-lastBytes)
			lastFrames = cur.FramesCaptured
			lastBytes = cur.BytesSent
			sess.SetRates(fps, bitrate)
			metrics.SetCurrentFPS(fps)
			metrics.SetCurrentBitrateBps(bitrate)
			st := sess.Stats()
			s.machine.NotifyStats(pipeline.Stats{
				FramesCaptured:     st.FramesCaptured,
				FramesEncoded:      st.FramesEncoded,
				FramesSent:         st.FramesSent,
				FramesDropped:      st.FramesDropped,
				BytesSent:          st.BytesSent,
				CurrentFPS:         st.CurrentFPS,
				CurrentBitrateBps:  st.CurrentBitrateBps,
				LatencyUs:          st.LatencyUs,
				StartTimeUnixNanos: st.StartTime.UnixNano(),
			})
		}
	}
}
