// Package connector implements the transport side of the conductor's
// Connector contract: open one bidirectional frame channel to a pipeline
// component (client, proxy, or agent), deliver inbound frames on a
// channel, accept outbound frames via Send, and tear everything down on
// Close.
//
// The conductor's router never depends on a concrete connector; it only
// consumes this interface (spec §1's "out of scope" transport boundary).
package connector

import (
	"context"
	"errors"

	"github.com/acpconductor/conductor/internal/frame"
)

// ErrClosed is returned by Send once the connector has been closed.
var ErrClosed = errors.New("connector closed")

// Connector is a transport-agnostic bidirectional frame channel to one
// pipeline component.
type Connector interface {
	// Connect establishes the underlying transport and starts delivering
	// inbound frames on the returned channel. When the transport ends,
	// the terminal error is delivered on errc at most once (nil or io.EOF
	// on a clean close). Stdio and WebSocket also close the frame channel
	// at that point; Pipe leaves it open.
	Connect(ctx context.Context) (<-chan frame.Frame, <-chan error, error)
	// Send writes one outbound frame. It is only ever called from the
	// conductor's single queue-consumer goroutine (spec §5): a connector
	// implementation does not need its own internal ordering guard.
	Send(f frame.Frame) error
	// Close tears down the transport. Idempotent.
	Close() error
}
