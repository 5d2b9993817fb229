// Package sink implements the SWRP sink pipeline (§4.8): accept, reassemble,
// decode, and display on one side of the link, mirroring internal/source's
// capture-encode-send half. A receive task owns reassembly, decode, and the
// FRAME_ACK reply; a second task periodically pings the source for a
// round-trip latency estimate.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/achxy/serialwarp/internal/frame"
	"github.com/achxy/serialwarp/internal/logging"
	"github.com/achxy/serialwarp/internal/media"
	"github.com/achxy/serialwarp/internal/metrics"
	"github.com/achxy/serialwarp/internal/pipeline"
	"github.com/achxy/serialwarp/internal/segment"
	"github.com/achxy/serialwarp/internal/session"
	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// ErrHandshakeFailed is returned when the peer's HELLO/START is malformed or
// rejected locally.
var ErrHandshakeFailed = errors.New("sink: handshake failed")

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultInitialCredits   = 8
	defaultPingInterval     = time.Second
	defaultPreviewRateHz    = 2.0
)

// Sink drives one side of an SWRP link: accept, handshake, display, and
// stop, per the public API surface of §6.
type Sink struct {
	mu        sync.Mutex
	transport transport.Transport
	decoder   media.Decoder
	display   media.Display

	machine *pipeline.Machine
	reasm   *segment.Reassembler
	sess    *session.Session

	sequence        atomic.Uint32
	handshakeDelay  time.Duration
	maxWidth        uint32
	maxHeight       uint32
	maxFPS          uint32
	capabilities    uint32
	softwareVersion uint16
	initialCredits  uint16

	previewQueue   *pipeline.PreviewQueue
	previewLimiter *rate.Limiter

	logger *slog.Logger

	recvBuf bytes.Buffer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Sink at construction time.
type Option func(*Sink)

// WithTransport installs the link the Sink runs over. Required.
func WithTransport(t transport.Transport) Option {
	return func(s *Sink) { s.transport = t }
}

// WithDecoder installs the H.264 decoder. Required before StartDisplay.
func WithDecoder(d media.Decoder) Option {
	return func(s *Sink) { s.decoder = d }
}

// WithDisplay installs the output surface. Required before StartDisplay.
func WithDisplay(d media.Display) Option {
	return func(s *Sink) { s.display = d }
}

// WithHandshakeTimeout bounds HELLO/START round trips.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.handshakeDelay = d
		}
	}
}

// WithCaps advertises this sink's maximum supported resolution/fps and
// capability bits in HELLO_ACK.
func WithCaps(maxWidth, maxHeight, maxFPS uint32, capabilities uint32) Option {
	return func(s *Sink) {
		s.maxWidth = maxWidth
		s.maxHeight = maxHeight
		s.maxFPS = maxFPS
		s.capabilities = capabilities
	}
}

// WithSoftwareVersion sets the HELLO_ACK software_version field.
func WithSoftwareVersion(v uint16) Option {
	return func(s *Sink) { s.softwareVersion = v }
}

// WithInitialCredits sets the initial_credits granted in START_ACK.
func WithInitialCredits(n uint16) Option {
	return func(s *Sink) {
		if n > 0 {
			s.initialCredits = n
		}
	}
}

// WithLogger overrides the default process-wide logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPreviewRateLimit bounds how many decoded frames per second are
// forwarded to the observer; excess frames are dropped, not queued.
func WithPreviewRateLimit(hz float64) Option {
	return func(s *Sink) {
		if hz > 0 {
			s.previewLimiter = rate.NewLimiter(rate.Limit(hz), 1)
		}
	}
}

// New constructs a Sink in the Disconnected state.
func New(opts ...Option) *Sink {
	s := &Sink{
		machine:         pipeline.NewMachine(),
		reasm:           segment.New(),
		handshakeDelay:  defaultHandshakeTimeout,
		maxWidth:        3840,
		maxHeight:       2160,
		maxFPS:          120,
		softwareVersion: 1,
		initialCredits:  defaultInitialCredits,
		previewLimiter:  rate.NewLimiter(rate.Limit(defaultPreviewRateHz), 1),
		logger:          logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current pipeline state.
func (s *Sink) State() pipeline.State { return s.machine.State() }

// Observe registers an Observer for state/stats/preview/error callbacks.
func (s *Sink) Observe(o pipeline.Observer) (unregister func()) {
	return s.machine.Observe(o)
}

// GetStats returns the active session's counters, or a zero value if no
// session is active.
func (s *Sink) GetStats() session.Stats {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return session.Stats{}
	}
	return sess.Stats()
}

// WaitForConnection transitions Disconnected -> Connecting -> Connected,
// installing the transport the caller-supplied accept func produces (e.g. a
// tcplink.Listener.Accept or a devserial.Open).
func (s *Sink) WaitForConnection(ctx context.Context, accept func(context.Context) (transport.Transport, error)) error {
	if err := s.machine.Transition(pipeline.Connecting); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Connecting.String())

	t, err := accept(ctx)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return fmt.Errorf("sink: accept: %w", err)
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

// Handshake accepts HELLO and answers HELLO_ACK with this sink's own
// capabilities, transitioning Connected -> Handshaking -> Ready.
func (s *Sink) Handshake(ctx context.Context) error {
	if err := s.machine.Transition(pipeline.Handshaking); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Handshaking.String())

	hctx, cancel := context.WithTimeout(ctx, s.handshakeDelay)
	defer cancel()

	p, err := s.readPacket(hctx)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}
	if p.Type != swrp.HELLO {
		_ = s.machine.Transition(pipeline.Error)
		return fmt.Errorf("%w: expected HELLO, got %s", ErrHandshakeFailed, p.Type)
	}

	ack := swrp.HelloPayload{
		SoftwareVersion: s.softwareVersion,
		MinProto:        uint16(swrp.Version),
		MaxProto:        uint16(swrp.Version),
		MaxWidth:        s.maxWidth,
		MaxHeight:       s.maxHeight,
		MaxFPSFixed:     swrp.FPSToFixed(s.maxFPS),
		Capabilities:    s.capabilities,
	}
	if err := s.writePacket(hctx, swrp.HELLOACK, ack.Encode()); err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return err
	}

	if err := s.machine.Transition(pipeline.Ready); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Ready.String())
	return nil
}

// StartDisplay accepts START, decides accept/reject, replies START_ACK, and
// on acceptance launches the two long-running tasks (§4.8) and transitions
// Ready -> Starting -> Streaming. The negotiated StreamConfig is returned on
// success.
func (s *Sink) StartDisplay(ctx context.Context) (session.StreamConfig, error) {
	if err := s.machine.Transition(pipeline.Starting); err != nil {
		return session.StreamConfig{}, err
	}
	metrics.ObserveStateTransition(pipeline.Starting.String())

	sctx, cancel := context.WithTimeout(ctx, s.handshakeDelay)
	defer cancel()

	p, err := s.readPacket(sctx)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return session.StreamConfig{}, err
	}
	if p.Type != swrp.START {
		_ = s.machine.Transition(pipeline.Error)
		return session.StreamConfig{}, fmt.Errorf("%w: expected START, got %s", ErrHandshakeFailed, p.Type)
	}
	start, err := swrp.DecodeStartPayload(p.Payload)
	if err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return session.StreamConfig{}, err
	}

	cfg := session.StreamConfig{
		Width:      start.Width,
		Height:     start.Height,
		FPS:        swrp.FixedToFPS(start.FPSFixed),
		BitrateBps: start.BitrateBps,
	}

	if cfg.Width > s.maxWidth || cfg.Height > s.maxHeight {
		ack := swrp.StartAckPayload{Status: 1}
		_ = s.writePacket(sctx, swrp.STARTACK, ack.Encode())
		_ = s.machine.Transition(pipeline.Ready)
		return session.StreamConfig{}, fmt.Errorf("%w: requested %dx%d exceeds caps %dx%d",
			ErrHandshakeFailed, cfg.Width, cfg.Height, s.maxWidth, s.maxHeight)
	}

	ack := swrp.StartAckPayload{Status: swrp.StartAckStatusOK, InitialCredits: s.initialCredits}
	if err := s.writePacket(sctx, swrp.STARTACK, ack.Encode()); err != nil {
		_ = s.machine.Transition(pipeline.Error)
		return session.StreamConfig{}, err
	}

	s.mu.Lock()
	s.sess = session.New(cfg)
	sess := s.sess
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.previewQueue = pipeline.NewPreviewQueue(runCtx, 4, s.machine.NotifyPreview)

	if err := s.machine.Transition(pipeline.Streaming); err != nil {
		cancel()
		return session.StreamConfig{}, err
	}
	metrics.ObserveStateTransition(pipeline.Streaming.String())

	s.wg.Add(2)
	go s.runPing(runCtx)
	go s.runReceive(runCtx, sess)
	return cfg, nil
}

// StopDisplay tears down the local session without waiting for a STOP from
// the peer — used for a sink-initiated abort (e.g. the user closed the
// window). The protocol's own STOP/STOP_ACK exchange, when the source
// initiates it, is instead handled inline by the receive task.
func (s *Sink) StopDisplay(ctx context.Context) error {
	if err := s.machine.Transition(pipeline.Stopping); err != nil {
		return err
	}
	metrics.ObserveStateTransition(pipeline.Stopping.String())

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.teardownSession()

	return s.machine.Transition(pipeline.Ready)
}

func (s *Sink) teardownSession() {
	if s.previewQueue != nil {
		s.previewQueue.Close()
	}
	s.reasm.Reset()
	if s.decoder != nil {
		_ = s.decoder.Close()
	}
}

// Disconnect tears down the transport and returns to Disconnected from any
// state.
func (s *Sink) Disconnect() error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	return s.machine.Transition(pipeline.Disconnected)
}

func (s *Sink) nextSequence() uint32 { return s.sequence.Add(1) }

func (s *Sink) writePacket(ctx context.Context, typ swrp.PacketType, payload []byte) error {
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
func (s *Sink) readPacket(ctx context.Context) (swrp.Packet, error) {
	for {
		if total, ok := swrp.PeekPacketLen(s.recvBuf.Bytes()); ok {
			if total > swrp.MaxPacketLen {
				metrics.IncMalformedPacket()
				s.recvBuf.Next(1)
				continue
			}
			if s.recvBuf.Len() >= total {
				p, n, err := swrp.Parse(s.recvBuf.Bytes())
				if err != nil {
					if errors.As(err, new(*swrp.ChecksumMismatch)) {
						metrics.IncChecksumMismatch()
						s.recvBuf.Next(total) // header parsed: drop the whole packet
						continue
					}
					metrics.IncMalformedPacket()
					s.recvBuf.Next(1)
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

// runReceive is the sink's receive+ack task: it parses inbound FRAME
// packets, reassembles them, decodes and displays completed frames, and
// emits exactly one FRAME_ACK per completed frame (§4.8). It also consumes
// PONG replies for latency measurement and handles the source-initiated STOP.
func (s *Sink) runReceive(ctx context.Context, sess *session.Session) {
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
			// readPacket has already dropped corrupt packets (CRC and
			// framing errors), so an error here comes from the transport.
			// Three in a row escalate to Error, as on the source side.
			consecutiveErrors++
			if consecutiveErrors >= 3 {
				s.machine.NotifyError(fmt.Errorf("sink: receive task: %w", err))
				_ = s.machine.Transition(pipeline.Error)
				return
			}
			continue
		}
		consecutiveErrors = 0

		switch p.Type {
		case swrp.FRAME:
			s.handleFrame(ctx, sess, p)
		case swrp.PONG:
			pong, err := swrp.DecodePongPayload(p.Payload)
			if err != nil {
				continue
			}
			now := uint64(time.Now().UnixMicro())
			if now > pong.PingTimestampUs {
				latency := now - pong.PingTimestampUs
				sess.SetLatencyUs(latency)
				metrics.SetLatencyMicros(latency)
			}
		case swrp.STOP:
			s.handleStop()
			return
		default:
			s.logger.Debug("sink_receive_ignored", "type", p.Type.String())
		}
	}
}

func (s *Sink) handleFrame(ctx context.Context, sess *session.Session, p swrp.Packet) {
	fp, err := swrp.DecodeFramePayload(p.Payload)
	if err != nil {
		return
	}

	completed, ok, droppedPrior := s.reasm.Feed(fp.FrameNumber, fp.PTSUs, fp.CaptureTSUs, fp.FrameSize, fp.SegmentIndex, fp.SegmentCount, fp.Data)
	if droppedPrior {
		sess.AddFramesDropped()
		metrics.IncFramesDropped()
		metrics.IncReassemblyGaps()
	}
	if !ok {
		return
	}

	metrics.IncFramesReassembled()
	meta := frame.Metadata{FrameNumber: fp.FrameNumber, PTSUs: fp.PTSUs, CaptureTSUs: fp.CaptureTSUs}

	start := time.Now()
	decoded, err := s.decoder.Decode(completed, meta)
	decodeTimeUs := uint32(time.Since(start).Microseconds())
	if err != nil {
		metrics.IncError(metrics.ErrDecode)
		return
	}

	if s.display != nil {
		_ = s.display.Present(decoded)
	}
	sess.AddFramesCaptured()
	sess.AddFramesEncoded()
	sess.AddBytesReceived(len(completed))

	ack := swrp.FrameAckPayload{
		FrameNumber:     fp.FrameNumber,
		DecodeTimeUs:    decodeTimeUs,
		CreditsReturned: fp.SegmentCount,
	}
	_ = s.writePacket(ctx, swrp.FRAMEACK, ack.Encode())
	metrics.IncFrameAcksReceived()

	if s.previewLimiter.Allow() && s.previewQueue != nil {
		_ = s.previewQueue.Enqueue(decoded.Pixels)
	}
}

// handleStop runs inline in the receive task when the source initiates a
// protocol STOP. It stops the sibling ping task itself (the receive task is
// about to return, so nothing else will), tears down the session, and
// replies STOP_ACK before returning to Ready.
func (s *Sink) handleStop() {
	if err := s.machine.Transition(pipeline.Stopping); err != nil {
		return
	}
	metrics.ObserveStateTransition(pipeline.Stopping.String())

	if s.cancel != nil {
		s.cancel()
	}
	s.teardownSession()

	// ctx (the streaming run context) was just cancelled above; the
	// STOP_ACK write needs its own, freshly-scoped deadline.
	ackCtx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	defer cancel()
	_ = s.writePacket(ackCtx, swrp.STOPACK, nil)

	_ = s.machine.Transition(pipeline.Ready)
	metrics.ObserveStateTransition(pipeline.Ready.String())
}

func (s *Sink) runPing(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := swrp.PingPayload{TimestampUs: uint64(time.Now().UnixMicro())}
			_ = s.writePacket(ctx, swrp.PING, ping.Encode())
		}
	}
}
