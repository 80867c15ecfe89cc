package debuglog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 2048

type writer struct {
	once sync.Once
	ch   chan string
}

var (
	global  writer
	forced  atomic.Bool
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func Enabled() bool {
	return forced.Load() || os.Getenv("KEYLOBBY_DEBUG") == "1"
}

// SetEnabled turns debug output on regardless of KEYLOBBY_DEBUG.
func SetEnabled(on bool) {
	forced.Store(on)
}

func (w *writer) start() {
	w.once.Do(func() {
		w.ch = make(chan string, queueSize)
		go func() {
			for msg := range w.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := time.Now().UTC().Format("15:04:05.000 ") + fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated.
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for a given key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}

// Component prefixes every line with a fixed tag.
type Component string

func (c Component) Logf(format string, args ...any) {
	Logf(string(c)+": "+format, args...)
}

func (c Component) Debugf(format string, args ...any) {
	Debugf(string(c)+": "+format, args...)
}

func (c Component) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	RateLimitedf(string(c)+"/"+key, interval, string(c)+": "+format, args...)
}
