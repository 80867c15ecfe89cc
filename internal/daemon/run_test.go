package daemon

import (
	"context"
	"testing"
	"time"

	"keylobby/internal/crypto"
	"keylobby/internal/network"
	"keylobby/internal/proto"
)

func TestRunServesQUICAndWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRunner(t, Options{
		QUICAddr: "127.0.0.1:0",
		WSAddr:   "127.0.0.1:0",
		WSPath:   "/ws",
		Server:   network.ServerOptions{DevTLS: true},
	})
	ready := make(chan Addrs, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- r.RunWithContext(ctx, ready) }()

	var addrs Addrs
	select {
	case addrs = <-ready:
	case err := <-errCh:
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner never became ready")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	qc, err := network.DialQUIC(dialCtx, addrs.QUIC, network.DialOptions{DevTLS: true})
	if err != nil {
		t.Fatalf("dial quic: %v", err)
	}
	wc, err := network.DialWS(dialCtx, "ws://"+addrs.WS+"/ws", network.DialOptions{})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	xID, xPriv, _ := crypto.GenKeypair()
	yID, yPriv, _ := crypto.GenKeypair()
	x := handshake(t, qc, xID, xPriv)
	y := handshake(t, wc, yID, yPriv)
	y.snapshot(t)

	_, raw := x.message(t, y.id, "across transports")
	x.send(t, raw)
	if got := y.readType(t, proto.MsgTypeApp); string(got) != string(raw) {
		t.Fatalf("message not forwarded across transports")
	}

	cancel()
	for _, p := range []*testPeer{x, y} {
		bye, err := proto.DecodeByeMsg(p.readType(t, proto.MsgTypeBye))
		if err != nil || bye.Reason != proto.ByeShutdown {
			t.Fatalf("expected shutdown bye, got %+v %v", bye, err)
		}
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runner did not stop")
	}
}
