// Package network carries length-delimited protocol frames over QUIC streams
// and WebSocket connections behind a single Conn interface.
package network

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/coder/websocket"
	quic "github.com/quic-go/quic-go"

	"keylobby/internal/debuglog"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultKeepAlive        = 15 * time.Second
	DefaultMaxConnsPerIP    = 16
	alpn                    = "keylobby/1"
)

var (
	ErrClosed       = errors.New("network: connection closed")
	ErrLimitReached = errors.New("network: per-ip connection limit reached")
)

var log = debuglog.Component("network")

// Conn is one bidirectional, message-framed connection. ReadFrame must only
// be called from one goroutine; WriteFrame is safe for concurrent use.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
	Close(reason string) error
	RemoteAddr() string
}

// Handler serves one accepted connection. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, c Conn)

type ServerOptions struct {
	MaxConnsPerIP    int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	DevTLS           bool
	CertFile         string
	KeyFile          string
	// OnLimit is called for every connection refused by the per-ip cap.
	OnLimit func(remote string)
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.MaxConnsPerIP == 0 {
		o.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	return o
}

type DialOptions struct {
	Insecure     bool
	DevTLS       bool
	DevTLSCAPath string
	IdleTimeout  time.Duration
	KeepAlive    time.Duration
}

// Transient reports whether err looks like a dropped or unreachable
// connection rather than a protocol decision.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var (
		idleErr  *quic.IdleTimeoutError
		hsErr    *quic.HandshakeTimeoutError
		appErr   *quic.ApplicationError
		resetErr *quic.StatelessResetError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &idleErr), errors.As(err, &hsErr),
		errors.As(err, &appErr), errors.As(err, &resetErr):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway,
		websocket.StatusAbnormalClosure, websocket.StatusInternalError,
		websocket.StatusServiceRestart, websocket.StatusTryAgainLater:
		return true
	}
	return false
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return remoteHost(addr.String())
}
