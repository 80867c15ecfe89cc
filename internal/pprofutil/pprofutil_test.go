package pprofutil

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false, nil); err == nil {
		t.Fatalf("expected public bind refused")
	}
}

func TestStartServesIndex(t *testing.T) {
	var logs bytes.Buffer
	addr, err := Start("127.0.0.1:0", false, &logs)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(logs.String(), addr.String()) {
		t.Fatalf("expected address logged, got %q", logs.String())
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "goroutine") {
		t.Fatalf("unexpected pprof index: %d", resp.StatusCode)
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv("KEYLOBBY_PPROF", "")
	addr, err := StartFromEnv(nil)
	if addr != nil || err != nil {
		t.Fatalf("expected no-op, got %v %v", addr, err)
	}
}
