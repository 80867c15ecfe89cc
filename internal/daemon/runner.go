// Package daemon runs the lobby server: it accepts QUIC and WebSocket
// connections, authenticates identities and wires them to the registry, the
// broadcast engine and the routing pipeline.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"keylobby/internal/broadcast"
	"keylobby/internal/config"
	"keylobby/internal/crypto"
	"keylobby/internal/debuglog"
	"keylobby/internal/metrics"
	"keylobby/internal/network"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
	"keylobby/internal/routing"
)

var log = debuglog.Component("daemon")

const shutdownGrace = 2 * time.Second

type Options struct {
	QUICAddr string
	WSAddr   string
	WSPath   string
	Server   network.ServerOptions

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueue        int

	MaxEntries  int
	Policy      broadcast.Policy
	Concurrency int

	QueueOffline bool
	MaxPending   int
	MaxClockSkew time.Duration
	SeenTTL      time.Duration

	SnapPath     string
	SnapInterval time.Duration

	Metrics  *metrics.Metrics
	Verifier crypto.Verifier
}

// OptionsFromConfig maps the loaded configuration onto runner options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := broadcast.ParsePolicy(cfg.Broadcast.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		QUICAddr: cfg.Server.QUICAddr,
		WSAddr:   cfg.Server.WSAddr,
		WSPath:   cfg.Server.WSPath,
		Server: network.ServerOptions{
			MaxConnsPerIP:    cfg.Server.MaxConnsPerIP,
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
			IdleTimeout:      cfg.Server.IdleTimeout,
			DevTLS:           cfg.Server.DevTLS,
			CertFile:         cfg.Server.CertFile,
			KeyFile:          cfg.Server.KeyFile,
		},
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		SendQueue:        cfg.Server.SendQueue,
		MaxEntries:       cfg.Registry.MaxEntries,
		Policy:           policy,
		Concurrency:      cfg.Broadcast.Concurrency,
		QueueOffline:     cfg.Routing.QueueOffline,
		MaxPending:       cfg.Routing.MaxPending,
		MaxClockSkew:     cfg.Routing.MaxClockSkew,
		SeenTTL:          cfg.Routing.SeenTTL,
		SnapPath:         cfg.Metrics.SnapshotPath,
		SnapInterval:     cfg.Metrics.Interval,
	}, nil
}

// Addrs reports the bound listener addresses once serving has started.
type Addrs struct {
	QUIC string
	WS   string
}

type Runner struct {
	Registry  *registry.Registry
	Broadcast *broadcast.Engine
	Router    *routing.Pipeline
	Metrics   *metrics.Metrics

	opts     Options
	verifier crypto.Verifier

	// presenceMu orders each registry mutation with the deltas it produces
	// and with snapshot replies, so every connection sees deltas that are
	// consistent with the snapshot it was sent.
	presenceMu sync.Mutex

	stopSnap chan struct{}
	snapOnce sync.Once
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = network.DefaultHandshakeTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = crypto.Ed25519Gateway{}
	}
	reg := registry.New(registry.Options{MaxEntries: opts.MaxEntries})
	return &Runner{
		Registry: reg,
		Broadcast: broadcast.New(broadcast.Options{
			Policy:      opts.Policy,
			Concurrency: opts.Concurrency,
			Metrics:     m,
		}),
		Router: routing.New(reg, routing.Options{
			Verifier:     verifier,
			Metrics:      m,
			QueueOffline: opts.QueueOffline,
			MaxPending:   opts.MaxPending,
			MaxClockSkew: opts.MaxClockSkew,
			SeenTTL:      opts.SeenTTL,
		}),
		Metrics:  m,
		opts:     opts,
		verifier: verifier,
		stopSnap: make(chan struct{}),
	}, nil
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.opts.SnapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Metrics.SetOnline(r.Registry.Len())
				if err := r.Metrics.WriteSnapshot(r.opts.SnapPath); err != nil {
					log.RateLimitedf("snapshot", time.Minute, "write metrics snapshot: %v", err)
				}
			case <-r.stopSnap:
				r.Metrics.SetOnline(r.Registry.Len())
				_ = r.Metrics.WriteSnapshot(r.opts.SnapPath)
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	r.snapOnce.Do(func() { close(r.stopSnap) })
}

// RunWithContext listens on the configured addresses and serves until ctx is
// done. On the way out every connected client is sent a shutdown bye.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- Addrs) error {
	if r.opts.QUICAddr == "" && r.opts.WSAddr == "" {
		return fmt.Errorf("daemon: no listen address")
	}
	srvOpts := r.opts.Server
	srvOpts.HandshakeTimeout = r.opts.HandshakeTimeout
	srvOpts.OnLimit = func(string) { r.Metrics.IncLimitRejected() }

	var addrs Addrs
	var quicSrv *network.QUICServer
	var wsSrv *network.WSServer
	var err error
	if r.opts.QUICAddr != "" {
		quicSrv, err = network.ListenQUIC(r.opts.QUICAddr, srvOpts)
		if err != nil {
			return err
		}
		addrs.QUIC = quicSrv.Addr().String()
	}
	if r.opts.WSAddr != "" {
		wsSrv, err = network.ListenWS(r.opts.WSAddr, r.opts.WSPath, srvOpts)
		if err != nil {
			if quicSrv != nil {
				_ = quicSrv.Close()
			}
			return err
		}
		addrs.WS = wsSrv.Addr().String()
	}

	log.Debugf("listening quic=%q ws=%q leave policy %s", addrs.QUIC, addrs.WS, r.Broadcast.Policy())
	r.StartSnapshotWriter(r.opts.SnapInterval)
	defer r.StopSnapshotWriter()

	// Connections outlive ctx just long enough to receive their bye.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()
	handle := func(_ context.Context, c network.Conn) { r.ServeConn(connCtx, c) }

	g, gctx := errgroup.WithContext(ctx)
	if quicSrv != nil {
		g.Go(func() error { return quicSrv.Serve(gctx, handle) })
	}
	if wsSrv != nil {
		g.Go(func() error { return wsSrv.Serve(gctx, handle) })
	}
	g.Go(func() error {
		<-gctx.Done()
		n := r.Shutdown()
		log.Logf("shutdown: said bye to %d clients", n)
		connCancel()
		return nil
	})
	if ready != nil {
		select {
		case ready <- addrs:
		default:
		}
	}
	return g.Wait()
}

// Shutdown empties the registry without broadcasting departures and sends
// every client a shutdown bye.
func (r *Runner) Shutdown() int {
	r.presenceMu.Lock()
	recs := r.Registry.RemoveAll()
	r.presenceMu.Unlock()
	r.Metrics.SetOnline(0)
	var handles []*connHandle
	for _, rec := range recs {
		_ = rec.Handle.Close(proto.ByeShutdown)
		if h, ok := rec.Handle.(*connHandle); ok {
			handles = append(handles, h)
		}
	}
	deadline := time.Now().Add(shutdownGrace)
	for _, h := range handles {
		h.wait(time.Until(deadline))
	}
	return len(recs)
}
