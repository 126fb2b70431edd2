// Package transport defines the cross-boundary message-delivery primitive.
// A transport moves serialized messages between the host and one sandboxed
// plugin context; it knows nothing about message semantics.
package transport

import (
	"errors"

	"github.com/taquila123/remix-plugin/internal/protocol"
)

// ErrClosed is returned by Send after the transport has been torn down.
var ErrClosed = errors.New("transport closed")

// Envelope is one raw inbound delivery and the origin it arrived from. The
// connection layer discards envelopes whose origin does not match the origin
// recorded at handshake time.
type Envelope struct {
	Origin string
	Data   []byte
}

// Transport delivers messages across the sandbox boundary for one
// connection.
type Transport interface {
	// Send serializes and delivers one outbound message.
	Send(msg protocol.Message) error

	// Messages returns the inbound delivery stream. The channel is closed
	// when the transport is.
	Messages() <-chan Envelope

	// Origin is the verified origin of the remote side.
	Origin() string

	Close() error
}
