package frame

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taquila123/remix-plugin/internal/transport"
)

func pairDialer(t *testing.T) (Dialer, *transport.Endpoint) {
	t.Helper()
	hostEnd, pluginEnd := transport.Pair("https://host.example", "https://plugins.example")
	t.Cleanup(func() { _ = pluginEnd.Close() })
	return DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		return hostEnd, nil
	}), pluginEnd
}

func TestLoadReturnsTransport(t *testing.T) {
	dialer, _ := pairDialer(t)
	f := New("https://plugins.example/calc", dialer)

	tr, err := f.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://plugins.example", tr.Origin())
}

func TestLoadTwiceFails(t *testing.T) {
	dialer, _ := pairDialer(t)
	f := New("https://plugins.example/calc", dialer)

	_, err := f.Load(context.Background())
	require.NoError(t, err)

	_, err = f.Load(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRendered)
}

func TestLoadFailureAllowsRetry(t *testing.T) {
	calls := 0
	dialer := DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		hostEnd, _ := transport.Pair("https://host.example", "https://plugins.example")
		return hostEnd, nil
	})
	f := New("https://plugins.example/calc", dialer)

	_, err := f.Load(context.Background())
	require.Error(t, err)

	_, err = f.Load(context.Background())
	require.NoError(t, err)
}

func TestRemoveWithoutLoadFails(t *testing.T) {
	dialer, _ := pairDialer(t)
	f := New("https://plugins.example/calc", dialer)

	require.ErrorIs(t, f.Remove(), ErrNotRendered)
}

func TestRemoveClosesTransport(t *testing.T) {
	dialer, _ := pairDialer(t)
	f := New("https://plugins.example/calc", dialer)

	tr, err := f.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.Remove())

	_, open := <-tr.Messages()
	assert.False(t, open, "inbound stream must be closed after Remove")
	require.ErrorIs(t, f.Remove(), ErrNotRendered)
}

func TestSandboxAttrs(t *testing.T) {
	dialer, _ := pairDialer(t)
	f := New("https://plugins.example/calc", dialer)

	attrs := f.Attrs()
	assert.Equal(t, "https://plugins.example/calc", attrs["src"])
	assert.Contains(t, attrs["sandbox"], "allow-scripts")

	// Mutating the returned map must not affect the frame.
	attrs["sandbox"] = ""
	assert.NotEmpty(t, f.Attrs()["sandbox"])
}
