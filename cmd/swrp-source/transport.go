package main

import (
	"context"
	"fmt"

	"github.com/achxy/serialwarp/internal/transport"
	"github.com/achxy/serialwarp/internal/transport/devserial"
	"github.com/achxy/serialwarp/internal/transport/tcplink"
)

// dialTransport opens the concrete link named by cfg.transport ("tcp" or
// "serial"; "mock" is handled separately by main for the self-contained
// loopback demo).
func dialTransport(ctx context.Context, cfg *appConfig) (transport.Transport, error) {
	switch cfg.transport {
	case "tcp":
		return tcplink.Dial(ctx, cfg.tcpAddr)
	case "serial":
		port, err := devserial.Open(cfg.serialDev, cfg.serialBaud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial device %s: %w", cfg.serialDev, err)
		}
		return devserial.NewLink(port), nil
	default:
		return nil, fmt.Errorf("dialTransport: unsupported transport %q", cfg.transport)
	}
}
