// Package devserial implements the transport.Transport contract over a
// CDC-ACM style serial device, for bench/lab rigs where the bridge chip
// exposes a control TTY alongside its USB bulk endpoints. It is not the
// primary USB-bulk realization (out of scope per the wire protocol's
// external-collaborator boundary) but gives the core something concrete to
// run against without the real bulk driver.
package devserial

import (
	"bytes"
	"context"
	"sync"
	"time"

	serial "github.com/tarm/serial"

	"github.com/achxy/serialwarp/internal/swrp"
	"github.com/achxy/serialwarp/internal/transport"
)

// Port abstracts tarm/serial for testability, mirroring the teacher's
// wrapping of the same library.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a serial port at the given baud rate with readTimeout bounding
// each Read call (tarm/serial has no context support, so timeouts are the
// only cancellation mechanism at this layer).
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Link adapts a Port to transport.Transport. Because the underlying device
// has no message framing of its own, Send writes p as-is and Receive
// accumulates reads in buf until at least one whole SWRP packet is present,
// handing back everything accumulated so far for the caller to drain with
// swrp.Parse's bytes-consumed return.
type Link struct {
	port Port

	mu     sync.Mutex
	closed bool
	buf    bytes.Buffer
}

const readChunk = 64 * 1024

// NewLink wraps an already-open Port as a Transport.
func NewLink(port Port) *Link {
	return &Link{port: port}
}

func (l *Link) Send(ctx context.Context, p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrDisconnected
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := l.port.Write(p)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive reads until l.buf holds at least one whole packet (per a claimed
// length within swrp.MaxPacketLen), then hands back everything accumulated
// so far. tarm/serial's Read has no context support, so each Read is
// dispatched on its own goroutine and raced against ctx.Done(); an
// in-flight Read outlives a cancelled Receive and returns on its own
// ReadTimeout, same as before this accumulation loop was added.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, transport.ErrDisconnected
	}

readLoop:
	for {
		if total, ok := swrp.PeekPacketLen(l.buf.Bytes()); ok && (total > swrp.MaxPacketLen || l.buf.Len() >= total) {
			break
		}

		type result struct {
			n   int
			err error
		}
		tmp := make([]byte, readChunk)
		done := make(chan result, 1)
		go func() {
			n, err := l.port.Read(tmp)
			done <- result{n, err}
		}()

		select {
		case r := <-done:
			if r.n > 0 {
				l.buf.Write(tmp[:r.n])
			}
			if r.err != nil {
				if l.buf.Len() == 0 {
					return nil, r.err
				}
				break readLoop
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]byte, l.buf.Len())
	copy(out, l.buf.Bytes())
	l.buf.Reset()
	return out, nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}
