package daemon

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"keylobby/internal/network"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
	"keylobby/internal/routing"
)

// routeError carries the wire reason code sent back to the peer.
type routeError struct {
	reason string
	err    error
}

func (e *routeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *routeError) Unwrap() error {
	return e.err
}

func authError(format string, args ...any) *routeError {
	return &routeError{reason: proto.ReasonAuthFailed, err: fmt.Errorf(format, args...)}
}

// ServeConn runs one connection from handshake to teardown.
func (r *Runner) ServeConn(ctx context.Context, c network.Conn) {
	r.Metrics.IncAccepted()
	r.Metrics.ConnOpened()
	defer r.Metrics.ConnClosed()

	id, err := r.handshake(ctx, c)
	if err != nil {
		r.Metrics.IncHandshakeFail()
		log.Debugf("handshake with %s failed: %v", c.RemoteAddr(), err)
		reason := proto.ReasonAuthFailed
		var re *routeError
		if errors.As(err, &re) {
			reason = re.reason
		}
		if frame, encErr := proto.EncodeErrorMsg(reason); encErr == nil {
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			_ = c.WriteFrame(wctx, frame)
			cancel()
		}
		_ = c.Close(reason)
		return
	}

	h := newConnHandle(c, r.opts.SendQueue, r.opts.WriteTimeout)
	h.drained = func() { r.flushFor(id) }
	go h.writePump(ctx)
	defer h.wait(shutdownGrace)

	welcome, err := proto.EncodeWelcomeMsg(proto.WelcomeMsg{Identity: id.String()})
	if err != nil {
		_ = h.Close("")
		return
	}
	_ = h.Send(welcome)

	if err := r.join(id, h); err != nil {
		r.Metrics.IncAddRejected()
		log.Logf("reject %s: %v", id.Short(), err)
		_ = h.Close(proto.ByeFull)
		return
	}
	defer r.leave(id, h)

	r.readLoop(ctx, id, c, h)
}

func (r *Runner) handshake(ctx context.Context, c network.Conn) (proto.Identity, error) {
	hctx, cancel := context.WithTimeout(ctx, r.opts.HandshakeTimeout)
	defer cancel()

	data, err := c.ReadFrame(hctx)
	if err != nil {
		return proto.Identity{}, err
	}
	hello, err := proto.DecodeHelloMsg(data)
	if err != nil {
		return proto.Identity{}, &routeError{reason: proto.ReasonMalformed, err: err}
	}
	pub, err := proto.ParseIdentity(hello.Pub)
	if err != nil || pub.IsZero() {
		return proto.Identity{}, authError("bad hello pub")
	}

	nonce := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return proto.Identity{}, err
	}
	challenge, err := proto.EncodeChallengeMsg(proto.ChallengeMsg{Nonce: hex.EncodeToString(nonce)})
	if err != nil {
		return proto.Identity{}, err
	}
	if err := c.WriteFrame(hctx, challenge); err != nil {
		return proto.Identity{}, err
	}

	data, err = c.ReadFrame(hctx)
	if err != nil {
		return proto.Identity{}, err
	}
	auth, err := proto.DecodeAuthMsg(data)
	if err != nil {
		return proto.Identity{}, &routeError{reason: proto.ReasonMalformed, err: err}
	}
	authPub, authNonce, sig, err := proto.DecodeAuthFields(auth)
	if err != nil {
		return proto.Identity{}, &routeError{reason: proto.ReasonMalformed, err: err}
	}
	if authPub != pub {
		return proto.Identity{}, authError("auth pub differs from hello")
	}
	if !bytes.Equal(authNonce, nonce) {
		return proto.Identity{}, authError("stale nonce")
	}
	if !r.verifier.Verify(pub, proto.AuthBytes(nonce, pub), sig) {
		return proto.Identity{}, authError("bad challenge signature")
	}
	return pub, nil
}

func (r *Runner) join(id proto.Identity, h *connHandle) error {
	r.presenceMu.Lock()
	change, err := r.Registry.Add(id, h)
	if err != nil {
		r.presenceMu.Unlock()
		return err
	}
	rep := r.Broadcast.Apply(change)
	r.presenceMu.Unlock()

	if change.Superseded {
		r.Metrics.IncSupersede()
	}
	r.Metrics.IncJoin()
	r.Metrics.SetOnline(r.Registry.Len())
	log.Debugf("join %s superseded=%v deltas=%d", id.Short(), change.Superseded, rep.Deltas)
	return nil
}

func (r *Runner) leave(id proto.Identity, h *connHandle) {
	r.presenceMu.Lock()
	change, ok := r.Registry.RemoveHandle(id, h)
	if ok {
		r.Broadcast.Apply(change)
	}
	r.presenceMu.Unlock()
	_ = h.Close("")
	if !ok {
		// Superseded or shut down: the successor owns the identity's queue.
		return
	}
	r.Metrics.IncLeave()
	r.Metrics.SetOnline(r.Registry.Len())
	if n := r.Router.DropSender(id); n > 0 {
		log.Debugf("dropped %d queued messages from %s", n, id.Short())
	}
	log.Debugf("leave %s", id.Short())
}

func (r *Runner) readLoop(ctx context.Context, id proto.Identity, c network.Conn, h *connHandle) {
	flushed := false
	for {
		data, err := c.ReadFrame(ctx)
		if err != nil {
			if !h.closed() && !network.Transient(err) {
				log.Debugf("read from %s: %v", id.Short(), err)
			}
			return
		}
		switch proto.MsgType(data) {
		case proto.MsgTypeSnapshotReq:
			r.sendSnapshot(h)
			if !flushed {
				flushed = true
				r.flushFor(id)
			}
		case proto.MsgTypeApp:
			r.route(id, h, data)
		default:
			log.RateLimitedf("unknown/"+id.String(), 10*time.Second, "unexpected frame from %s", id.Short())
			r.sendError(h, proto.ReasonMalformed)
		}
	}
}

func (r *Runner) sendSnapshot(h *connHandle) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	frame, err := proto.EncodeSnapshotMsg(r.Registry.Snapshot())
	if err != nil {
		log.Logf("encode snapshot: %v", err)
		return
	}
	if err := h.Send(frame); err == nil {
		r.Metrics.IncSnapshotSent()
	}
}

func (r *Runner) route(sender proto.Identity, h *connHandle, data []byte) {
	res := r.Router.Route(data, sender)
	if res.Outcome == routing.Rejected && res.MsgID == "" {
		r.sendError(h, res.Reason)
		return
	}
	if res.Deferred {
		// The recipient's queue is backed up; the result goes out with the
		// flush that delivers it.
		r.ackDeliveries(res.Flushed)
		return
	}
	r.sendResult(h, res.MsgID, res.Outcome, res.Reason)
	if res.Outcome == routing.RecipientOffline {
		if frame, err := proto.EncodeOfflineMsg(res.Message.To); err == nil {
			_ = h.Send(frame)
		}
	}
	r.ackDeliveries(res.Flushed)
}

// flushFor hands id everything queued for it and tells each original sender
// that its message went through. It runs when id first asks for a snapshot
// and whenever its backed-up send queue drains.
func (r *Runner) flushFor(id proto.Identity) {
	r.ackDeliveries(r.Router.Flush(id))
}

func (r *Runner) ackDeliveries(ds []routing.Delivery) {
	for _, d := range ds {
		h, ok := r.Registry.HandleFor(d.Sender)
		if !ok {
			continue
		}
		r.sendResult(h, d.MsgID.String(), routing.Delivered, "")
	}
}

func (r *Runner) sendResult(h registry.Handle, msgID string, outcome routing.Outcome, reason string) {
	frame, err := proto.EncodeResultMsg(proto.ResultMsg{MsgID: msgID, Outcome: outcome.String(), Reason: reason})
	if err != nil {
		return
	}
	_ = h.Send(frame)
}

func (r *Runner) sendError(h registry.Handle, reason string) {
	frame, err := proto.EncodeErrorMsg(reason)
	if err != nil {
		return
	}
	_ = h.Send(frame)
}
