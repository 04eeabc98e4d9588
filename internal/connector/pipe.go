package connector

import (
	"context"
	"sync"

	"github.com/acpconductor/conductor/internal/frame"
)

// Pipe is an in-process Connector backed by Go channels — no subprocess,
// no socket. It is how the router talks to a proxy or agent implemented
// as a Go goroutine in the same process (and how router/pipeline tests
// exercise multi-hop behavior without spawning anything real).
type Pipe struct {
	recv chan frame.Frame
	send chan frame.Frame
	errc chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewPipePair returns two Pipes wired to each other: frames sent on one
// arrive as inbound frames on the other.
func NewPipePair() (*Pipe, *Pipe) {
	ab := make(chan frame.Frame, 64)
	ba := make(chan frame.Frame, 64)
	a := &Pipe{recv: ba, send: ab, errc: make(chan error, 1), done: make(chan struct{})}
	b := &Pipe{recv: ab, send: ba, errc: make(chan error, 1), done: make(chan struct{})}
	return a, b
}

// Connect returns the inbound-frame channel immediately; Pipe has no
// separate dial step.
func (p *Pipe) Connect(ctx context.Context) (<-chan frame.Frame, <-chan error, error) {
	return p.recv, p.errc, nil
}

// Send delivers f to the peer's inbound channel.
func (p *Pipe) Send(f frame.Frame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Close tears down this end of the pipe and delivers a nil error (clean
// close) on this end's own Connect error channel. The peer end is not
// notified.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	select {
	case p.errc <- nil:
	default:
	}
	return nil
}
