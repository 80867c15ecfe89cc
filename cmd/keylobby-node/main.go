package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"keylobby/internal/config"
	"keylobby/internal/daemon"
	"keylobby/internal/debuglog"
	"keylobby/internal/metrics"
	"keylobby/internal/network"
	"keylobby/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "delta":
		return runDelta(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: keylobby-node <run|status|delta> [args]")
	fmt.Fprintln(w, "  run    [--quic <ip:port>] [--ws <ip:port>] [--config <file>] [--devtls] [--devtls-ca <out.pem>] [--metrics <file>] [--debug]")
	fmt.Fprintln(w, "  status [--metrics <file>]")
	fmt.Fprintln(w, "  delta recent [--n 20] [--metrics <file>]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".keylobby")
}

func defaultMetricsPath() string {
	return filepath.Join(homeDir(), "metrics.json")
}

func runNode(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (yaml)")
	quicAddr := fs.String("quic", "", "QUIC listen addr (host:port)")
	wsAddr := fs.String("ws", "", "WebSocket listen addr (host:port)")
	devTLS := fs.Bool("devtls", false, "allow deterministic dev TLS certs (unsafe)")
	devCA := fs.String("devtls-ca", "", "write the dev TLS certificate to this PEM file")
	metricsPath := fs.String("metrics", "", "metrics snapshot file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		debuglog.SetEnabled(true)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "quic":
			cfg.Server.QUICAddr = *quicAddr
		case "ws":
			cfg.Server.WSAddr = *wsAddr
		case "devtls":
			cfg.Server.DevTLS = *devTLS
		case "metrics":
			cfg.Metrics.SnapshotPath = *metricsPath
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.Server.QUICAddr != "" && !cfg.Server.DevTLS && (cfg.Server.CertFile == "" || cfg.Server.KeyFile == "") {
		fmt.Fprintln(stderr, "no TLS certificate configured; set server.cert_file/key_file or pass --devtls")
		return 1
	}
	if cfg.Server.DevTLS {
		fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
		if *devCA != "" {
			if err := network.WriteDevCA(*devCA); err != nil {
				fmt.Fprintf(stderr, "write dev CA failed: %v\n", err)
				return 1
			}
		}
	}
	if _, err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	opts, err := daemon.OptionsFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	opts.Metrics = metrics.New()
	runner, err := daemon.NewRunner(opts)
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}

	ready := make(chan daemon.Addrs, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runner.RunWithContext(ctx, ready) }()
	select {
	case addrs := <-ready:
		fmt.Fprintf(stdout, "READY quic=%s ws=%s\n", orNone(addrs.QUIC), orNone(addrs.WS))
	case err := <-errCh:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("metrics", defaultMetricsPath(), "metrics snapshot file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(*path)
	if err != nil {
		fmt.Fprintf(stdout, "status: no metrics snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Snapshot taken %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintf(stdout, "  online: %d\n", snap.Presence.Online)
	fmt.Fprintf(stdout, "  connections: current=%d accepted=%d handshake_failed=%d limit_rejected=%d\n",
		snap.Conns.Current, snap.Conns.Accepted, snap.Conns.HandshakeFailed, snap.Conns.LimitRejected)
	fmt.Fprintf(stdout, "  presence: joins=%d leaves=%d supersedes=%d add_rejected=%d snapshots=%d\n",
		snap.Presence.Joins, snap.Presence.Leaves, snap.Presence.Supersedes, snap.Presence.AddRejected, snap.Presence.SnapshotSent)
	fmt.Fprintf(stdout, "  Δ broadcast: deltas=%d sent=%d failed=%d\n",
		snap.Broadcast.Deltas, snap.Broadcast.Sent, snap.Broadcast.SendFailed)
	fmt.Fprintf(stdout, "  routed: delivered=%d offline=%d rejected=%d duplicate=%d\n",
		snap.Routing.Delivered, snap.Routing.Offline, snap.Routing.Rejected, snap.Routing.DuplicateSuppress)
	fmt.Fprintf(stdout, "  queue: queued=%d deferred=%d flushed=%d dropped=%d\n",
		snap.Routing.Queued, snap.Routing.Deferred, snap.Routing.Flushed, snap.Routing.QueueDropped)
	for _, reason := range sortedKeys(snap.Routing.RejectedByReason) {
		fmt.Fprintf(stdout, "  rejected %s: %d\n", reason, snap.Routing.RejectedByReason[reason])
	}
	return 0
}

func runDelta(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: keylobby-node delta recent [--n 20] [--metrics <file>]")
		return 0
	}
	switch args[0] {
	case "recent":
		fs := flag.NewFlagSet("delta recent", flag.ContinueOnError)
		fs.SetOutput(stderr)
		n := fs.Int("n", 20, "max entries")
		path := fs.String("metrics", defaultMetricsPath(), "metrics snapshot file")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		snap, err := metrics.ReadSnapshot(*path)
		if err != nil {
			fmt.Fprintf(stdout, "delta: no metrics snapshot: %v\n", err)
			return 1
		}
		recent := snap.Recent
		if *n > 0 && len(recent) > *n {
			recent = recent[len(recent)-*n:]
		}
		for _, h := range recent {
			fmt.Fprintf(stdout, "%s joined=%d left=%d recipients=%d failed=%d elapsed=%s\n",
				h.At.Format("15:04:05.000"), h.Joined, h.Left, h.Recipients, h.Failed, h.Elapsed)
		}
		return 0
	default:
		fmt.Fprintf(stdout, "unknown delta subcommand: %s\n", args[0])
		return 1
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
