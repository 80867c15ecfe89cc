package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"keylobby/internal/client"
	"keylobby/internal/config"
	"keylobby/internal/crypto"
	"keylobby/internal/debuglog"
	"keylobby/internal/network"
	"keylobby/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "chat":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, args[1:], stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: keylobby <keygen|id|chat> [args]")
	fmt.Fprintln(w, "  keygen [--dir <keys>]")
	fmt.Fprintln(w, "  id     [--dir <keys>]")
	fmt.Fprintln(w, "  chat   --server <host:port|ws://host:port/ws> [--ws] [--config <file>] [--dir <keys>] [--devtls] [--devtls-ca <pem>] [--insecure] [--debug]")
	fmt.Fprintln(w, "chat commands: /to <identity> <text>, /who, /pending, /quit")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".keylobby")
}

func keyDirFlag(fs *flag.FlagSet) *string {
	return fs.String("dir", homeDir(), "key directory")
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := keyDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	if err := crypto.SaveKeypair(*dir, pub, priv); err != nil {
		fmt.Fprintf(stderr, "save keys failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK keypair generated")
	fmt.Fprintln(stdout, "pub:", pub.String())
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := keyDirFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pub, _, err := crypto.LoadKeypair(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "load keys failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, pub.String())
	return 0
}

// lockedWriter serializes output from controller callbacks and the prompt
// loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runChat(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", "", "server QUIC addr or ws:// URL")
	useWS := fs.Bool("ws", false, "connect over WebSocket")
	configPath := fs.String("config", "", "config file (yaml)")
	dir := keyDirFlag(fs)
	devTLS := fs.Bool("devtls", false, "trust the deterministic dev TLS certificate")
	devCA := fs.String("devtls-ca", "", "PEM file with the server certificate")
	insecure := fs.Bool("insecure", false, "skip TLS verification (unsafe)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		debuglog.SetEnabled(true)
	}
	if *server == "" {
		fmt.Fprintln(stderr, "missing --server")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	keyDir := *dir
	if cfg.Client.KeyDir != "" && !flagSet(fs, "dir") {
		keyDir = cfg.Client.KeyDir
	}
	pub, priv, err := crypto.LoadOrCreateKeypair(keyDir)
	if err != nil {
		fmt.Fprintf(stderr, "load keys failed: %v\n", err)
		return 1
	}

	dialOpts := network.DialOptions{Insecure: *insecure, DevTLS: *devTLS, DevTLSCAPath: *devCA}
	var dialer client.Dialer = client.QUICDialer{Addr: *server, Opts: dialOpts}
	if *useWS || strings.HasPrefix(*server, "ws://") || strings.HasPrefix(*server, "wss://") {
		dialer = client.WSDialer{URL: *server, Opts: dialOpts}
	}

	out := &lockedWriter{w: stdout}
	ctrl, err := client.New(chatOptions(cfg, pub, priv, dialer, out))
	if err != nil {
		fmt.Fprintf(stderr, "client: %v\n", err)
		return 1
	}
	out.printf("you are %s\n", pub)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	handlers := replHandlers{
		send: func(to proto.Identity, text string) error {
			_, err := ctrl.Send(to, []byte(text))
			return err
		},
		who:     ctrl.Lobby().Members,
		pending: func() int { return len(ctrl.Pending()) },
	}
	for {
		select {
		case line, ok := <-lines:
			if ok && !dispatchRepl(line, out, handlers) {
				continue
			}
			_ = ctrl.Close()
			<-errCh
			return 0
		case err := <-errCh:
			if err == nil || errors.Is(err, client.ErrClosed) {
				return 0
			}
			fmt.Fprintf(stderr, "session ended: %v\n", err)
			return 1
		}
	}
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func chatOptions(cfg *config.Config, pub proto.Identity, priv []byte, dialer client.Dialer, out *lockedWriter) client.Options {
	return client.Options{
		Identity:         pub,
		PrivateKey:       priv,
		Dialer:           dialer,
		BackoffBase:      cfg.Client.BackoffBase,
		BackoffMax:       cfg.Client.BackoffMax,
		MaxAttempts:      cfg.Client.MaxAttempts,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		QueueCap:         cfg.Client.QueueCap,
		OnState: func(s client.State) {
			out.printf("* %s\n", s)
		},
		OnPresence: func(ev client.PresenceEvent) {
			if ev.Snapshot {
				out.printf("* %d online\n", len(ev.Members))
				return
			}
			for _, id := range ev.Joined {
				out.printf("* %s joined\n", id.Short())
			}
			for _, id := range ev.Left {
				out.printf("* %s left\n", id.Short())
			}
		},
		OnMessage: func(m proto.AppMessage) {
			out.printf("<%s> %s\n", m.From.Short(), m.Content)
		},
		OnOutcome: func(r client.Result) {
			if r.Outcome == proto.OutcomeRejected {
				out.printf("! message %s to %s rejected: %s\n", shortID(r.MsgID.String()), r.To.Short(), r.Reason)
				return
			}
			if r.Outcome == proto.OutcomeDelivered {
				debuglog.Debugf("chat: %s delivered", r.MsgID)
			}
		},
		OnRecipientOffline: func(id proto.Identity) {
			out.printf("* %s is offline; messages will be held\n", id.Short())
		},
	}
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

type replHandlers struct {
	send    func(to proto.Identity, text string) error
	who     func() []proto.Identity
	pending func() int
}

// dispatchRepl runs one input line and reports whether the session should
// end.
func dispatchRepl(line string, out io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/who":
		for _, id := range h.who() {
			fmt.Fprintln(out, id.String())
		}
	case "/pending":
		fmt.Fprintf(out, "%d pending\n", h.pending())
	case "/to":
		target, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		text = strings.TrimSpace(text)
		if !ok || text == "" {
			fmt.Fprintln(out, "usage: /to <identity> <text>")
			return false
		}
		to, err := proto.ParseIdentity(target)
		if err != nil {
			fmt.Fprintf(out, "bad identity: %v\n", err)
			return false
		}
		if err := h.send(to, text); err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
		}
	default:
		fmt.Fprintf(out, "unknown command %q (try /to, /who, /pending, /quit)\n", cmd)
	}
	return false
}
