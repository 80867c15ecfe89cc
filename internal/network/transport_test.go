package network

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	quic "github.com/quic-go/quic-go"
)

func echo(ctx context.Context, c Conn) {
	for {
		data, err := c.ReadFrame(ctx)
		if err != nil {
			return
		}
		if err := c.WriteFrame(ctx, data); err != nil {
			return
		}
	}
}

func roundTrip(t *testing.T, ctx context.Context, c Conn) {
	t.Helper()
	payloads := []string{`{"type":"hello","pub":"aa"}`, `{"type":"snapshot_req"}`}
	for _, p := range payloads {
		if err := c.WriteFrame(ctx, []byte(p)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := c.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != p {
			t.Fatalf("echo mismatch: %q", got)
		}
	}
}

func TestQUICRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, err := ListenQUIC("127.0.0.1:0", ServerOptions{DevTLS: true})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, echo) }()

	c, err := DialQUIC(ctx, srv.Addr().String(), DialOptions{DevTLS: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	roundTrip(t, ctx, c)
	_ = c.Close("done")
	if _, err := c.ReadFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func TestQUICReadHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, err := ListenQUIC("127.0.0.1:0", ServerOptions{DevTLS: true})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	go func() { _ = srv.Serve(ctx, echo) }()

	c, err := DialQUIC(ctx, srv.Addr().String(), DialOptions{DevTLS: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close("")
	readCtx, readCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer readCancel()
	start := time.Now()
	if _, err := c.ReadFrame(readCtx); err == nil {
		t.Fatalf("expected read to time out")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("read ignored deadline")
	}
}

func TestWSRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := httptest.NewServer(WSHandler(ctx, ServerOptions{}, echo))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := DialWS(ctx, url, DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close("")
	roundTrip(t, ctx, c)
}

func TestWSServerPerIPLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	limited := make(chan string, 1)
	srv, err := ListenWS("127.0.0.1:0", "/ws", ServerOptions{
		MaxConnsPerIP: 1,
		OnLimit:       func(remote string) { limited <- remote },
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ctx, echo) }()
	url := "ws://" + srv.Addr().String() + "/ws"

	first, err := DialWS(ctx, url, DialOptions{})
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close("")
	roundTrip(t, ctx, first)

	if _, err := DialWS(ctx, url, DialOptions{}); err == nil {
		t.Fatalf("expected second connection to be refused")
	}
	select {
	case <-limited:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected limit callback")
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{ErrClosed, true},
		{net.ErrClosed, true},
		{&quic.IdleTimeoutError{}, true},
		{&quic.ApplicationError{ErrorCode: 0}, true},
		{websocket.CloseError{Code: websocket.StatusAbnormalClosure}, true},
		{websocket.CloseError{Code: websocket.StatusPolicyViolation}, false},
		{errors.New("auth rejected"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
