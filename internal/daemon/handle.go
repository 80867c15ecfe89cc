package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"keylobby/internal/network"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
)

var (
	ErrHandleClosed  = errors.New("daemon: handle closed")
	ErrSendQueueFull = registry.ErrSendQueueFull
)

// connHandle is the registry's view of one connection. Send only enqueues;
// a single writer goroutine owns the network writes.
type connHandle struct {
	conn         network.Conn
	out          chan []byte
	writeTimeout time.Duration

	// drained runs on the writer goroutine once a full queue has emptied to
	// half its capacity. Set before writePump starts.
	drained   func()
	congested atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
	finished  chan struct{}
}

func newConnHandle(conn network.Conn, queue int, writeTimeout time.Duration) *connHandle {
	if queue <= 0 {
		queue = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &connHandle{
		conn:         conn,
		out:          make(chan []byte, queue),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
}

func (h *connHandle) Send(payload []byte) error {
	select {
	case <-h.done:
		return ErrHandleClosed
	default:
	}
	select {
	case h.out <- payload:
		return nil
	case <-h.done:
		return ErrHandleClosed
	default:
		h.congested.Store(true)
		return ErrSendQueueFull
	}
}

// Close stops the handle. A non-empty reason is sent to the peer as a bye
// after the frames already queued.
func (h *connHandle) Close(reason string) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		close(h.done)
	})
	return nil
}

func (h *connHandle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *connHandle) closeReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// writePump drains the send queue until the handle closes, then flushes what
// is left, says bye if asked to and closes the connection.
func (h *connHandle) writePump(ctx context.Context) {
	defer close(h.finished)
	for {
		select {
		case payload := <-h.out:
			if err := h.write(ctx, payload); err != nil {
				log.Debugf("write to %s failed: %v", h.conn.RemoteAddr(), err)
				h.Close("")
				_ = h.conn.Close("write failed")
				return
			}
			if h.congested.Load() && len(h.out) <= cap(h.out)/2 {
				h.congested.Store(false)
				if h.drained != nil {
					h.drained()
				}
			}
		case <-h.done:
			h.drain(ctx)
			reason := h.closeReason()
			if reason != "" {
				if bye, err := proto.EncodeByeMsg(reason); err == nil {
					_ = h.write(ctx, bye)
				}
			}
			_ = h.conn.Close(reason)
			return
		}
	}
}

func (h *connHandle) drain(ctx context.Context) {
	for {
		select {
		case payload := <-h.out:
			if err := h.write(ctx, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *connHandle) write(ctx context.Context, payload []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
	defer cancel()
	return h.conn.WriteFrame(wctx, payload)
}

// wait blocks until the writer has exited or the timeout passes.
func (h *connHandle) wait(timeout time.Duration) {
	select {
	case <-h.finished:
	case <-time.After(timeout):
	}
}
