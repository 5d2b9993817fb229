package tcplink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achxy/serialwarp/internal/swrp"
)

func TestDialAcceptRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Link, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server *Link
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}
	defer server.Close()

	wire := swrp.Serialize(swrp.Packet{Type: swrp.PING, Sequence: 1, Payload: swrp.PingPayload{TimestampUs: 1}.Encode()})
	require.NoError(t, client.Send(ctx, wire))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire, got)

	p, n, err := swrp.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, swrp.PING, p.Type)
}

func TestReceiveRespectsDeadline(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Link, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverCh <- conn
		}
	}()

	ctx := context.Background()
	client, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-serverCh
	defer server.Close()

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = server.Receive(shortCtx)
	assert.Error(t, err)
}
