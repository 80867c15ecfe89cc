// Package pprofutil serves net/http/pprof on a loopback address for live
// profiling of a running node.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startAddr net.Addr
	startErr  error
)

// StartFromEnv calls Start once when KEYLOBBY_PPROF=1, using
// KEYLOBBY_PPROF_ADDR and KEYLOBBY_PPROF_ALLOW_PUBLIC.
func StartFromEnv(logw io.Writer) (net.Addr, error) {
	if strings.TrimSpace(os.Getenv("KEYLOBBY_PPROF")) != "1" {
		return nil, nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("KEYLOBBY_PPROF_ADDR"))
		allowPublic := strings.TrimSpace(os.Getenv("KEYLOBBY_PPROF_ALLOW_PUBLIC")) == "1"
		startAddr, startErr = Start(addr, allowPublic, logw)
	})
	return startAddr, startErr
}

// Start listens on addr and serves the default mux in the background.
// Non-loopback addresses are refused unless allowPublic is set.
func Start(addr string, allowPublic bool, logw io.Writer) (net.Addr, error) {
	if addr == "" {
		addr = defaultAddr
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof address must be loopback unless KEYLOBBY_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", ln.Addr())
	}
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return ln.Addr(), nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
