// Package memconn is an in-memory network.Conn pair for tests.
package memconn

import (
	"context"
	"io"
	"sync"

	"keylobby/internal/network"
)

// Conn is one end of an in-memory frame pipe satisfying network.Conn.
type Conn struct {
	name string
	in   chan []byte
	out  chan []byte

	once   sync.Once
	closed chan struct{}
	peer   *Conn
	reason string
	mu     sync.Mutex
}

// Pipe returns two connected ends. Frames written to one are read from the
// other in order; closing either end makes the other see io.EOF.
func Pipe() (*Conn, *Conn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &Conn{name: "mem-a", in: ba, out: ab, closed: make(chan struct{})}
	b := &Conn{name: "mem-b", in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, network.ErrClosed
	case <-c.peer.closed:
		// Deliver what the peer wrote before it closed.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) WriteFrame(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return network.ErrClosed
	case <-c.peer.closed:
		return io.EOF
	default:
	}
	buf := append([]byte(nil), payload...)
	select {
	case c.out <- buf:
		return nil
	case <-c.closed:
		return network.ErrClosed
	case <-c.peer.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.peer.name
}

// Closed reports whether this end was closed locally.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
