package main

import (
	"context"
	"fmt"

	"github.com/achxy/serialwarp/internal/transport"
	"github.com/achxy/serialwarp/internal/transport/devserial"
	"github.com/achxy/serialwarp/internal/transport/tcplink"
)

// acceptTransport blocks for the one inbound link named by cfg.transport
// ("tcp" or "serial"; "mock" is rejected at config validation time).
func acceptTransport(ctx context.Context, cfg *appConfig) (transport.Transport, error) {
	switch cfg.transport {
	case "tcp":
		ln, err := tcplink.Listen(cfg.tcpListen)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.tcpListen, err)
		}
		type result struct {
			link *tcplink.Link
			err  error
		}
		done := make(chan result, 1)
		go func() {
			link, err := ln.Accept()
			done <- result{link, err}
		}()
		select {
		case r := <-done:
			_ = ln.Close()
			if r.err != nil {
				return nil, r.err
			}
			return r.link, nil
		case <-ctx.Done():
			_ = ln.Close()
			return nil, ctx.Err()
		}
	case "serial":
		port, err := devserial.Open(cfg.serialDev, cfg.serialBaud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial device %s: %w", cfg.serialDev, err)
		}
		return devserial.NewLink(port), nil
	default:
		return nil, fmt.Errorf("acceptTransport: unsupported transport %q", cfg.transport)
	}
}
