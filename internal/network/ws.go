package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"keylobby/internal/proto"
)

// wsConn carries one protocol payload per binary WebSocket message; the
// message boundary replaces the length prefix used on QUIC streams.
type wsConn struct {
	conn   *websocket.Conn
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, remote string) *wsConn {
	conn.SetReadLimit(proto.MaxFrameSize)
	return &wsConn{conn: conn, remote: remote, closed: make(chan struct{})}
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, c.wrapErr(err)
		}
		if typ != websocket.MessageBinary && typ != websocket.MessageText {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if limit := proto.MaxSizeForType(proto.MsgType(data)); limit > 0 && len(data) > limit {
			return nil, errors.New("payload too large for type " + proto.MsgType(data))
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) wrapErr(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return err
	}
}

// WSHandler upgrades requests and hands each connection to handle. The
// per-ip cap is enforced before the upgrade.
func WSHandler(ctx context.Context, opts ServerOptions, handle Handler) http.Handler {
	opts = opts.withDefaults()
	lim := newIPLimiter(opts.MaxConnsPerIP)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteHost(r.RemoteAddr)
		if !lim.acquire(ip) {
			log.RateLimitedf("limit/"+ip, 10*time.Second, "ws conn limit reached for %s", ip)
			if opts.OnLimit != nil {
				opts.OnLimit(r.RemoteAddr)
			}
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer lim.release(ip)
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Debugf("ws accept from %s: %v", r.RemoteAddr, err)
			return
		}
		c := newWSConn(ws, r.RemoteAddr)
		defer c.Close("")
		handle(ctx, c)
	})
}

type WSServer struct {
	ln   net.Listener
	srv  *http.Server
	opts ServerOptions
	path string
}

func ListenWS(addr, path string, opts ServerOptions) (*WSServer, error) {
	opts = opts.withDefaults()
	if path == "" {
		path = "/ws"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Logf("ws listen ready: %s%s", ln.Addr(), path)
	return &WSServer{ln: ln, opts: opts, path: path}, nil
}

func (s *WSServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the HTTP server until ctx is done. Hijacked WebSocket
// connections are not tracked by http.Server, so handlers observe ctx
// themselves.
func (s *WSServer) Serve(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup
	inner := WSHandler(ctx, s.opts, handle)
	mux := http.NewServeMux()
	mux.Handle(s.path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		inner.ServeHTTP(w, r)
	}))
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.opts.HandshakeTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	select {
	case err := <-errCh:
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		wg.Wait()
		return nil
	}
}

func (s *WSServer) Close() error {
	if s.srv != nil {
		return s.srv.Close()
	}
	return s.ln.Close()
}

// DialWS connects to a ws:// or wss:// URL.
func DialWS(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	dialOpts := &websocket.DialOptions{}
	if strings.HasPrefix(url, "wss://") {
		tlsConf, err := clientTLSConfig(opts.Insecure, opts.DevTLS, opts.DevTLSCAPath)
		if err != nil {
			return nil, err
		}
		tlsConf.NextProtos = nil
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConf}}
	}
	ws, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, err
	}
	log.Debugf("ws session to %s", url)
	return newWSConn(ws, url), nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
