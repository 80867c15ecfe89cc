package client

import (
	"context"

	"keylobby/internal/network"
)

// QUICDialer dials the server's QUIC listener.
type QUICDialer struct {
	Addr string
	Opts network.DialOptions
}

func (d QUICDialer) Dial(ctx context.Context) (network.Conn, error) {
	return network.DialQUIC(ctx, d.Addr, d.Opts)
}

// WSDialer dials the server's WebSocket endpoint, e.g. wss://host:7401/ws.
type WSDialer struct {
	URL  string
	Opts network.DialOptions
}

func (d WSDialer) Dial(ctx context.Context) (network.Conn, error) {
	return network.DialWS(ctx, d.URL, d.Opts)
}
