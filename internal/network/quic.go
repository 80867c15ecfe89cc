package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"keylobby/internal/proto"
)

const (
	quicCodeNormal   quic.ApplicationErrorCode = 0
	quicCodeRejected quic.ApplicationErrorCode = 1

	// closeLinger bounds how long Close waits for the peer to read what was
	// already written before the connection is torn down.
	closeLinger = 250 * time.Millisecond
)

// quicConn frames one bidirectional stream. Each client holds exactly one
// stream for the life of the connection.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream) *quicConn {
	return &quicConn{conn: conn, stream: stream, closed: make(chan struct{})}
}

func (c *quicConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetReadDeadline(dl)
	} else {
		_ = c.stream.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Now())
	})
	defer stop()
	data, err := proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		return nil, c.wrapErr(ctx, err)
	}
	return data, nil
}

func (c *quicConn) WriteFrame(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(dl)
		defer c.stream.SetWriteDeadline(time.Time{})
	}
	if err := proto.WriteFrame(c.stream, payload); err != nil {
		return c.wrapErr(ctx, err)
	}
	return nil
}

func (c *quicConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stream.Close()
		t := time.NewTimer(closeLinger)
		select {
		case <-c.conn.Context().Done():
		case <-t.C:
		}
		t.Stop()
		err = c.conn.CloseWithError(quicCodeNormal, reason)
	})
	return err
}

func (c *quicConn) RemoteAddr() string {
	if ra := c.conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

func (c *quicConn) wrapErr(ctx context.Context, err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

type QUICServer struct {
	ln   *quic.Listener
	opts ServerOptions
	lim  *ipLimiter
	wg   sync.WaitGroup
}

func ListenQUIC(addr string, opts ServerOptions) (*QUICServer, error) {
	opts = opts.withDefaults()
	tlsConf, err := serverTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       opts.IdleTimeout,
		KeepAlivePeriod:      opts.KeepAlive,
		HandshakeIdleTimeout: opts.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	log.Logf("quic listen ready: %s", ln.Addr())
	return &QUICServer{ln: ln, opts: opts, lim: newIPLimiter(opts.MaxConnsPerIP)}, nil
}

func (s *QUICServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done, then waits for every handler
// to return.
func (s *QUICServer) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer s.wg.Wait()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		ip := hostOf(conn.RemoteAddr())
		if !s.lim.acquire(ip) {
			log.RateLimitedf("limit/"+ip, 10*time.Second, "quic conn limit reached for %s", ip)
			if s.opts.OnLimit != nil {
				s.opts.OnLimit(conn.RemoteAddr().String())
			}
			_ = conn.CloseWithError(quicCodeRejected, "too many connections")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.lim.release(ip)
			s.serveConn(ctx, conn, handle)
		}()
	}
}

func (s *QUICServer) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	acceptCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	stream, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		log.Debugf("quic accept stream from %s: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(quicCodeRejected, "no stream")
		return
	}
	c := newQUICConn(conn, stream)
	defer c.Close("")
	handle(ctx, c)
}

func (s *QUICServer) Close() error {
	return s.ln.Close()
}

// DialQUIC connects to a QUIC listener and opens the session stream.
func DialQUIC(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.DevTLS, opts.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicCodeNormal, "")
		return nil, err
	}
	log.Debugf("quic session to %s", addr)
	return newQUICConn(conn, stream), nil
}
