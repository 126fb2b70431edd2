package transport

import (
	"fmt"
	"sync"

	"github.com/taquila123/remix-plugin/internal/protocol"
)

// Endpoint is one side of an in-process transport pair. It is used for local
// plugins and throughout the tests; both sides see the same Transport
// contract a remote plugin would.
type Endpoint struct {
	local string
	peer  *Endpoint

	mu     sync.Mutex
	inbox  chan Envelope
	closed bool
}

// Pair creates two connected in-process endpoints. hostOrigin and
// pluginOrigin become the respective local origins; each side's Origin()
// reports the peer's.
func Pair(hostOrigin, pluginOrigin string) (host, plugin *Endpoint) {
	host = &Endpoint{local: hostOrigin, inbox: make(chan Envelope, 64)}
	plugin = &Endpoint{local: pluginOrigin, inbox: make(chan Envelope, 64)}
	host.peer = plugin
	plugin.peer = host
	return host, plugin
}

// Send serializes the message and delivers it to the peer's inbox, stamped
// with this side's origin.
func (e *Endpoint) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return e.peer.deliver(Envelope{Origin: e.local, Data: data})
}

// Messages returns the inbound stream for this side.
func (e *Endpoint) Messages() <-chan Envelope {
	return e.inbox
}

// Origin returns the peer's origin.
func (e *Endpoint) Origin() string {
	return e.peer.local
}

// Close tears down this side. Pending inbound deliveries are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.inbox)
	return nil
}

// Inject pushes a raw envelope into this side's inbox, bypassing the peer.
// Tests use it to simulate deliveries from arbitrary origins.
func (e *Endpoint) Inject(origin string, data []byte) error {
	return e.deliver(Envelope{Origin: origin, Data: data})
}

func (e *Endpoint) deliver(env Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.inbox <- env:
		return nil
	default:
		return fmt.Errorf("inbox full for origin %s", e.local)
	}
}
