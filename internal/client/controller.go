// Package client keeps one identity connected to a lobby server: it
// authenticates, tracks presence, signs and sends messages, and reconnects
// with backoff when the transport drops.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"keylobby/internal/crypto"
	"keylobby/internal/debuglog"
	"keylobby/internal/network"
	"keylobby/internal/proto"
)

var log = debuglog.Component("client")

const (
	DefaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Dialer opens a fresh transport connection to the server.
type Dialer interface {
	Dial(ctx context.Context) (network.Conn, error)
}

type DialFunc func(ctx context.Context) (network.Conn, error)

func (f DialFunc) Dial(ctx context.Context) (network.Conn, error) {
	return f(ctx)
}

// PresenceEvent is a snapshot (Snapshot set, Members filled) or a delta.
type PresenceEvent struct {
	Snapshot bool
	Members  []proto.Identity
	Joined   []proto.Identity
	Left     []proto.Identity
}

// Result is the server's verdict on one sent message.
type Result struct {
	MsgID   uuid.UUID
	To      proto.Identity
	Outcome string
	Reason  string
}

type Options struct {
	Identity   proto.Identity
	PrivateKey []byte
	Dialer     Dialer

	Signer   crypto.Signer
	Verifier crypto.Verifier

	BackoffBase      time.Duration
	BackoffMax       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	QueueCap         int

	// Wait sleeps between reconnect attempts. Tests replace it.
	Wait func(ctx context.Context, d time.Duration) error
	Now  func() time.Time

	// Callbacks run on the controller's goroutines and must not block.
	OnState            func(State)
	OnPresence         func(PresenceEvent)
	OnMessage          func(proto.AppMessage)
	OnOutcome          func(Result)
	OnRecipientOffline func(proto.Identity)
}

type Controller struct {
	opts        Options
	id          proto.Identity
	priv        []byte
	signer      crypto.Signer
	verifier    crypto.Verifier
	dialer      Dialer
	backoff     Backoff
	maxAttempts int
	hsTimeout   time.Duration
	wait        func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	queue *PendingQueue
	lobby *Lobby

	// sendMu orders every outbound application frame, so a drain after
	// reconnect finishes before newer sends go out.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     network.Conn
	inflight map[uuid.UUID]PendingMessage
	offline  map[proto.Identity]bool
	cancel   context.CancelFunc
	closed   bool
	err      error
}

func New(opts Options) (*Controller, error) {
	if opts.Identity.IsZero() {
		return nil, errors.New("client: missing identity")
	}
	if len(opts.PrivateKey) != crypto.PrivateKeySize {
		return nil, crypto.ErrBadPrivateKey
	}
	if derived, err := crypto.IdentityOf(opts.PrivateKey); err != nil || derived != opts.Identity {
		return nil, errors.New("client: private key does not match identity")
	}
	if opts.Dialer == nil {
		return nil, errors.New("client: missing dialer")
	}
	gw := crypto.Ed25519Gateway{}
	signer := opts.Signer
	if signer == nil {
		signer = gw
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = gw
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	hsTimeout := opts.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = DefaultHandshakeTimeout
	}
	wait := opts.Wait
	if wait == nil {
		wait = sleepCtx
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:        opts,
		id:          opts.Identity,
		priv:        opts.PrivateKey,
		signer:      signer,
		verifier:    verifier,
		dialer:      opts.Dialer,
		backoff:     Backoff{Base: opts.BackoffBase, Max: opts.BackoffMax},
		maxAttempts: maxAttempts,
		hsTimeout:   hsTimeout,
		wait:        wait,
		now:         now,
		queue:       NewPendingQueue(opts.QueueCap),
		lobby:       NewLobby(),
		inflight:    make(map[uuid.UUID]PendingMessage),
		offline:     make(map[proto.Identity]bool),
	}, nil
}

func (c *Controller) Identity() proto.Identity { return c.id }
func (c *Controller) Lobby() *Lobby            { return c.lobby }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that last moved the controller to Disconnected.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending lists queued and offline-held messages in submission order.
func (c *Controller) Pending() []PendingMessage {
	return c.queue.List()
}

// Run connects and keeps the session alive until a permanent failure, Close
// or ctx ends it. The returned error is the terminal cause.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("client: already running")
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	c.step(Event{Kind: EvStart})
	conn, early, err := c.connect(ctx)
	if err != nil {
		if ferr := c.onFailure(ctx, err); ferr != nil {
			return ferr
		}
		if conn, early, err = c.attemptReconnect(ctx); err != nil {
			return err
		}
	}
	for {
		c.attach(conn)
		err := c.serve(ctx, conn, early)
		c.detach(conn)
		if ferr := c.onFailure(ctx, err); ferr != nil {
			return ferr
		}
		if conn, early, err = c.attemptReconnect(ctx); err != nil {
			return err
		}
	}
}

// OnTransportFailure classifies err and moves the state machine. It returns
// err when the failure is permanent and nil when a reconnect should follow.
func (c *Controller) OnTransportFailure(err error) error {
	if Classify(err) == Permanent {
		c.step(Event{Kind: EvPermanent, Err: err})
		return err
	}
	log.Debugf("transient failure: %v", err)
	c.step(Event{Kind: EvTransient, Err: err})
	return nil
}

func (c *Controller) onFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.step(Event{Kind: EvClose, Err: ErrClosed})
		return ErrClosed
	}
	return c.OnTransportFailure(err)
}

// attemptReconnect waits out the backoff for the current attempt and dials,
// until a session is back or attempts run out.
func (c *Controller) attemptReconnect(ctx context.Context) (network.Conn, [][]byte, error) {
	for {
		st := c.State()
		if st.Phase != Reconnecting {
			return nil, nil, ErrClosed
		}
		if st.Attempt > c.maxAttempts {
			err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, c.maxAttempts)
			c.step(Event{Kind: EvPermanent, Err: err})
			return nil, nil, err
		}
		delay := c.backoff.Delay(st.Attempt)
		log.Debugf("reconnect attempt %d in %s", st.Attempt, delay)
		if err := c.wait(ctx, delay); err != nil {
			c.step(Event{Kind: EvClose, Err: ErrClosed})
			return nil, nil, ErrClosed
		}
		conn, early, err := c.connect(ctx)
		if err == nil {
			return conn, early, nil
		}
		if ctx.Err() != nil {
			c.step(Event{Kind: EvClose, Err: ErrClosed})
			return nil, nil, ErrClosed
		}
		if Classify(err) == Permanent {
			c.step(Event{Kind: EvPermanent, Err: err})
			return nil, nil, err
		}
		log.Debugf("reconnect attempt %d failed: %v", st.Attempt, err)
		c.step(Event{Kind: EvTransient, Err: err})
	}
}

// connect dials, authenticates and waits for the first snapshot. Frames that
// arrive before the snapshot, other than deltas, are returned for replay.
func (c *Controller) connect(ctx context.Context) (network.Conn, [][]byte, error) {
	hctx, cancel := context.WithTimeout(ctx, c.hsTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(hctx)
	if err != nil {
		return nil, nil, err
	}
	early, err := c.handshake(hctx, conn)
	if err != nil {
		_ = conn.Close("")
		return nil, nil, err
	}
	return conn, early, nil
}

func (c *Controller) handshake(ctx context.Context, conn network.Conn) ([][]byte, error) {
	hello, err := proto.EncodeHelloMsg(proto.HelloMsg{Pub: c.id.String()})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, hello); err != nil {
		return nil, err
	}
	data, err := c.readControl(ctx, conn, proto.MsgTypeChallenge)
	if err != nil {
		return nil, err
	}
	ch, err := proto.DecodeChallengeMsg(data)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(ch.Nonce)
	if err != nil || len(nonce) != proto.NonceSize {
		return nil, errors.New("client: bad challenge nonce")
	}
	sig, err := c.signer.Sign(proto.AuthBytes(nonce, c.id), c.priv)
	if err != nil {
		return nil, err
	}
	auth, err := proto.EncodeAuthMsg(proto.AuthMsg{Pub: c.id.String(), Nonce: ch.Nonce, Sig: hex.EncodeToString(sig)})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, auth); err != nil {
		return nil, err
	}
	data, err = c.readControl(ctx, conn, proto.MsgTypeWelcome)
	if err != nil {
		return nil, err
	}
	welcome, err := proto.DecodeWelcomeMsg(data)
	if err != nil {
		return nil, err
	}
	if welcome.Identity != c.id.String() {
		return nil, fmt.Errorf("%w: welcomed as %s", ErrAuthRejected, welcome.Identity)
	}

	// Fresh snapshot; whatever was built from deltas before is stale.
	c.lobby.Reset()
	req, err := proto.EncodeSnapshotReqMsg()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, req); err != nil {
		return nil, finalFrame(ctx, conn, err)
	}
	var early [][]byte
	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch proto.MsgType(data) {
		case proto.MsgTypeSnapshot:
			members, err := proto.DecodeSnapshotMsg(data)
			if err != nil {
				return nil, err
			}
			c.applySnapshot(members)
			return early, nil
		case proto.MsgTypeDelta:
			// Already reflected in the snapshot that follows.
		case proto.MsgTypeBye, proto.MsgTypeError:
			return nil, frameError(data)
		default:
			early = append(early, data)
		}
	}
}

// readControl reads the next frame and turns error and bye frames into Go
// errors.
func (c *Controller) readControl(ctx context.Context, conn network.Conn, want string) ([]byte, error) {
	data, err := conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	switch t := proto.MsgType(data); t {
	case want:
		return data, nil
	case proto.MsgTypeBye, proto.MsgTypeError:
		return nil, frameError(data)
	default:
		return nil, fmt.Errorf("client: expected %s, got %q", want, t)
	}
}

// finalFrame looks for a bye or error the server sent before closing, which
// explains a failed write better than the write error itself.
func finalFrame(ctx context.Context, conn network.Conn, writeErr error) error {
	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return writeErr
		}
		switch proto.MsgType(data) {
		case proto.MsgTypeBye, proto.MsgTypeError:
			return frameError(data)
		}
	}
}

func frameError(data []byte) error {
	switch proto.MsgType(data) {
	case proto.MsgTypeBye:
		bye, err := proto.DecodeByeMsg(data)
		if err != nil {
			return err
		}
		return &ByeError{Reason: bye.Reason}
	case proto.MsgTypeError:
		e, err := proto.DecodeErrorMsg(data)
		if err != nil {
			return err
		}
		if e.Reason == proto.ReasonAuthFailed {
			return ErrAuthRejected
		}
		return fmt.Errorf("client: server error %s", e.Reason)
	}
	return fmt.Errorf("client: unexpected frame %q", proto.MsgType(data))
}

func (c *Controller) attach(conn network.Conn) {
	c.sendMu.Lock()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	st, changed := c.fire(Event{Kind: EvSynced})
	c.sendMu.Unlock()
	if changed {
		c.emitState(st)
	}
}

func (c *Controller) detach(conn network.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close("")
}

func (c *Controller) serve(ctx context.Context, conn network.Conn, early [][]byte) error {
	for _, data := range early {
		if err := c.handleFrame(data); err != nil {
			return err
		}
	}
	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if err := c.handleFrame(data); err != nil {
			return err
		}
	}
}

func (c *Controller) handleFrame(data []byte) error {
	switch proto.MsgType(data) {
	case proto.MsgTypeApp:
		c.handleInbound(data)
	case proto.MsgTypeResult:
		res, err := proto.DecodeResultMsg(data)
		if err != nil {
			log.Debugf("bad result frame: %v", err)
			return nil
		}
		c.handleResult(res)
	case proto.MsgTypeOffline:
		id, err := proto.DecodeOfflineMsg(data)
		if err != nil {
			return nil
		}
		c.markOffline(id)
	case proto.MsgTypeDelta:
		joined, left, err := proto.DecodeDeltaMsg(data)
		if err != nil {
			log.Debugf("bad delta frame: %v", err)
			return nil
		}
		c.applyDelta(joined, left)
	case proto.MsgTypeSnapshot:
		members, err := proto.DecodeSnapshotMsg(data)
		if err != nil {
			return nil
		}
		c.applySnapshot(members)
	case proto.MsgTypeBye:
		return frameError(data)
	case proto.MsgTypeError:
		e, err := proto.DecodeErrorMsg(data)
		if err == nil {
			log.Logf("server error: %s", e.Reason)
		}
	default:
		log.Debugf("ignoring frame type %q", proto.MsgType(data))
	}
	return nil
}

func (c *Controller) handleInbound(data []byte) {
	env, err := proto.DecodeAppMsg(data)
	if err != nil {
		log.Debugf("bad inbound message: %v", err)
		return
	}
	msg, err := proto.DecodeAppFields(env)
	if err != nil {
		log.Debugf("bad inbound message: %v", err)
		return
	}
	if msg.To != c.id {
		log.Debugf("dropping message %s addressed to %s", msg.ID, msg.To.Short())
		return
	}
	if !c.verifier.Verify(msg.From, msg.SigInput(), msg.Sig) {
		log.RateLimitedf("badsig/"+msg.From.String(), 10*time.Second, "dropping message with bad signature from %s", msg.From.Short())
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Controller) handleResult(res proto.ResultMsg) {
	id, err := uuid.Parse(res.MsgID)
	if err != nil {
		return
	}
	c.mu.Lock()
	pm, inflight := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()

	switch res.Outcome {
	case proto.OutcomeDelivered:
		if !inflight {
			// Delivery of a copy the server had queued for us.
			pm, inflight = c.queue.Remove(id)
		}
	case proto.OutcomeOffline:
		if inflight {
			pm.Held = true
			c.queue.Insert(pm)
		}
	case proto.OutcomeRejected:
		if !inflight {
			pm, inflight = c.queue.Remove(id)
		}
	}
	if !inflight {
		return
	}
	if c.opts.OnOutcome != nil {
		c.opts.OnOutcome(Result{MsgID: id, To: pm.Msg.To, Outcome: res.Outcome, Reason: res.Reason})
	}
}

// markOffline fires OnRecipientOffline once per transition into offline.
func (c *Controller) markOffline(id proto.Identity) {
	c.mu.Lock()
	already := c.offline[id]
	c.offline[id] = true
	c.mu.Unlock()
	if !already && c.opts.OnRecipientOffline != nil {
		c.opts.OnRecipientOffline(id)
	}
}

func (c *Controller) clearOffline(ids []proto.Identity) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.offline, id)
	}
	c.mu.Unlock()
}

func (c *Controller) applySnapshot(members []proto.Identity) {
	c.lobby.Replace(members)
	c.clearOffline(members)
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(PresenceEvent{Snapshot: true, Members: members})
	}
}

func (c *Controller) applyDelta(joined, left []proto.Identity) {
	if !c.lobby.Apply(joined, left) {
		return
	}
	c.clearOffline(joined)
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(PresenceEvent{Joined: joined, Left: left})
	}
	for _, id := range joined {
		if held := c.queue.TakeHeldFor(id); len(held) > 0 {
			log.Debugf("resending %d held messages to %s", len(held), id.Short())
			c.resend(held)
		}
	}
}

func (c *Controller) resend(msgs []PendingMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	conn, connected := c.conn, c.state.Phase == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		for _, m := range msgs {
			c.queue.Insert(m)
		}
		return
	}
	c.sendLocked(conn, msgs)
}

// Send signs content for to and sends it, or queues it while disconnected.
func (c *Controller) Send(to proto.Identity, content []byte) (uuid.UUID, error) {
	if to.IsZero() {
		return uuid.Nil, errors.New("client: missing recipient")
	}
	if len(content) == 0 || len(content) > proto.MaxContentSize {
		return uuid.Nil, fmt.Errorf("client: content size %d", len(content))
	}
	msg := proto.AppMessage{
		ID:      uuid.New(),
		From:    c.id,
		To:      to,
		Content: append([]byte(nil), content...),
		TS:      time.UnixMilli(c.now().UnixMilli()),
	}
	sig, err := c.signer.Sign(msg.SigInput(), c.priv)
	if err != nil {
		return uuid.Nil, err
	}
	msg.Sig = sig
	raw, err := proto.EncodeAppMsg(msg)
	if err != nil {
		return uuid.Nil, err
	}
	pm := PendingMessage{Msg: msg, Raw: raw, QueuedAt: c.now()}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	conn, connected := c.conn, c.state.Phase == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		if err := c.queue.Push(pm); err != nil {
			return uuid.Nil, err
		}
		return msg.ID, nil
	}
	c.sendLocked(conn, []PendingMessage{pm})
	return msg.ID, nil
}

// sendLocked writes msgs in order and tracks them until the server answers.
// Anything that cannot be written goes back to the queue. sendMu must be
// held.
func (c *Controller) sendLocked(conn network.Conn, msgs []PendingMessage) {
	for i, m := range msgs {
		m.Held = false
		c.mu.Lock()
		c.inflight[m.Msg.ID] = m
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		err := conn.WriteFrame(ctx, m.Raw)
		cancel()
		if err != nil {
			log.Debugf("send %s failed: %v", m.Msg.ID, err)
			c.mu.Lock()
			delete(c.inflight, m.Msg.ID)
			c.mu.Unlock()
			for _, rest := range msgs[i:] {
				rest.Held = false
				c.queue.Insert(rest)
			}
			return
		}
	}
}

// Close abandons any reconnect in progress, drops the pending queue and
// closes the connection.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()
	c.step(Event{Kind: EvClose, Err: ErrClosed})
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close("client closed")
	}
	return nil
}

func (c *Controller) step(e Event) {
	if st, changed := c.fire(e); changed {
		c.emitState(st)
	}
}

// fire applies e and performs the resulting effects except state callbacks.
func (c *Controller) fire(e Event) (State, bool) {
	c.mu.Lock()
	prev := c.state
	next, effects := Transition(prev, e)
	c.state = next
	conn := c.conn
	if next.Phase == Disconnected && e.Err != nil {
		c.err = e.Err
	}
	c.mu.Unlock()

	for _, eff := range effects {
		switch eff {
		case EffResetLobby:
			c.lobby.Reset()
			c.mu.Lock()
			clear(c.offline)
			c.mu.Unlock()
		case EffRequeueInflight:
			c.requeueInflight()
		case EffDrainQueue:
			if conn != nil {
				c.sendLocked(conn, c.queue.Drain())
			}
		case EffDiscardQueue:
			n := c.queue.Clear()
			c.mu.Lock()
			n += len(c.inflight)
			clear(c.inflight)
			c.mu.Unlock()
			if n > 0 {
				log.Debugf("discarded %d pending messages", n)
			}
		case EffTerminate:
			if e.Err != nil {
				log.Logf("session ended: %v", e.Err)
			}
		case EffDial, EffScheduleRetry:
			// Run drives dialing and backoff itself.
		}
	}
	if prev != next {
		log.Debugf("state %s -> %s (%s)", prev, next, e.Kind)
	}
	return next, prev != next
}

func (c *Controller) requeueInflight() {
	c.mu.Lock()
	msgs := make([]PendingMessage, 0, len(c.inflight))
	for _, m := range c.inflight {
		msgs = append(msgs, m)
	}
	clear(c.inflight)
	c.mu.Unlock()
	for _, m := range msgs {
		c.queue.Insert(m)
	}
}

func (c *Controller) emitState(st State) {
	if c.opts.OnState != nil {
		c.opts.OnState(st)
	}
}
