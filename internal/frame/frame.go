// Package frame is a thin resource wrapper around one isolated plugin
// context: creating it, configuring its sandbox attributes, and tearing it
// down. All protocol behavior lives elsewhere.
package frame

import (
	"context"
	"errors"
	"sync"

	"github.com/taquila123/remix-plugin/internal/transport"
)

var (
	// ErrAlreadyRendered is returned on a duplicate render. A connection
	// gets exactly one context; re-rendering requires a new connection.
	ErrAlreadyRendered = errors.New("frame already rendered")

	// ErrNotRendered is returned when removing a frame that has no
	// rendered context.
	ErrNotRendered = errors.New("frame not rendered")
)

// Dialer constructs the transport to a plugin context's content.
type Dialer interface {
	Dial(ctx context.Context, url string) (transport.Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (transport.Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (transport.Transport, error) {
	return f(ctx, url)
}

// Frame is the isolated execution context for one plugin.
type Frame struct {
	url    string
	attrs  map[string]string
	dialer Dialer

	mu     sync.Mutex
	tr     transport.Transport
	loaded bool
}

// New creates an unloaded frame pointed at the plugin's declared URL. The
// sandbox permits script execution inside the context and reaching the host
// only through the message transport.
func New(url string, dialer Dialer) *Frame {
	return &Frame{
		url:    url,
		dialer: dialer,
		attrs: map[string]string{
			"src":     url,
			"sandbox": "allow-scripts allow-same-origin",
		},
	}
}

// Attrs returns the sandbox attribute configuration.
func (f *Frame) Attrs() map[string]string {
	out := make(map[string]string, len(f.attrs))
	for k, v := range f.attrs {
		out[k] = v
	}
	return out
}

// URL returns the content location the frame points at.
func (f *Frame) URL() string {
	return f.url
}

// Load constructs the context and returns its transport once the content
// has finished loading. Loading an already-rendered frame is fatal.
func (f *Frame) Load(ctx context.Context) (transport.Transport, error) {
	f.mu.Lock()
	if f.loaded {
		f.mu.Unlock()
		return nil, ErrAlreadyRendered
	}
	f.loaded = true
	f.mu.Unlock()

	tr, err := f.dialer.Dial(ctx, f.url)
	if err != nil {
		f.mu.Lock()
		f.loaded = false
		f.mu.Unlock()
		return nil, err
	}

	f.mu.Lock()
	f.tr = tr
	f.mu.Unlock()
	return tr, nil
}

// Remove detaches the context and closes its transport.
func (f *Frame) Remove() error {
	f.mu.Lock()
	if !f.loaded {
		f.mu.Unlock()
		return ErrNotRendered
	}
	tr := f.tr
	f.tr = nil
	f.loaded = false
	f.mu.Unlock()

	if tr != nil {
		return tr.Close()
	}
	return nil
}
