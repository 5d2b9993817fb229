// Package transport defines the abstract ordered, reliable, message-framed
// byte channel SWRP runs over (§4.9), plus a mock pair for tests. Concrete
// realizations live in the tcplink and devserial subpackages.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrDisconnected is returned by Send/Receive once Close has completed. For
// a MockPair end, Close makes that end's Send and its peer's Receive return
// it; that end's own Receive is unaffected.
var ErrDisconnected = errors.New("transport: disconnected")

// Transport is an ordered, reliable, message-framed byte channel between two
// SWRP endpoints. Send completes when the peer will observe the bytes as one
// or more SWRP packets in order. Receive yields at least one whole packet;
// implementations may return a larger chunk spanning several packets — the
// swrp parser tolerates trailing bytes by reporting bytes consumed.
type Transport interface {
	Send(ctx context.Context, p []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// MockPair returns two Transports, each feeding the other's Receive from its
// own Send, for use in tests that don't need a real byte-oriented link.
func MockPair() (a, b Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	m1 := &mockTransport{send: ab, recv: ba}
	m2 := &mockTransport{send: ba, recv: ab}
	return m1, m2
}

type mockTransport struct {
	mu     sync.Mutex
	send   chan []byte
	recv   chan []byte
	closed bool
}

func (m *mockTransport) Send(ctx context.Context, p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrDisconnected
	}
	m.mu.Unlock()

	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case m.send <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case buf, ok := <-m.recv:
		if !ok {
			return nil, ErrDisconnected
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.send)
	return nil
}
