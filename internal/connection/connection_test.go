package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taquila123/remix-plugin/internal/callqueue"
	"github.com/taquila123/remix-plugin/internal/connection/mocks"
	"github.com/taquila123/remix-plugin/internal/frame"
	"github.com/taquila123/remix-plugin/internal/log"
	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/protocol"
	"github.com/taquila123/remix-plugin/internal/transport"
)

const pluginOrigin = "https://plugins.example"

func calcProfile() *profile.Profile {
	return &profile.Profile{
		Name:    "calc",
		URL:     pluginOrigin + "/calc",
		Methods: []string{"add", "reset"},
		Notifications: map[string][]string{
			"calc": {"overflow"},
		},
	}
}

// fakePlugin answers handshakes and method calls on the plugin side of a
// loopback pair, the way a well-behaved remote would.
func fakePlugin(t *testing.T, end *transport.Endpoint, handle func(msg protocol.Message) (json.RawMessage, string)) {
	t.Helper()
	go func() {
		for env := range end.Messages() {
			msg, err := protocol.Unmarshal(env.Data)
			if err != nil {
				continue
			}
			if msg.Action != protocol.ActionRequest {
				continue
			}
			if msg.Key == protocol.HandshakeKey {
				_ = end.Send(protocol.Respond(msg, nil, ""))
				continue
			}
			payload, errText := handle(msg)
			_ = end.Send(protocol.Respond(msg, payload, errText))
		}
	}()
}

func addHandler(msg protocol.Message) (json.RawMessage, string) {
	if msg.Key != "add" {
		return nil, fmt.Sprintf("unknown method %q", msg.Key)
	}
	var args []int
	if err := json.Unmarshal(msg.Payload, &args); err != nil {
		return nil, err.Error()
	}
	sum := 0
	for _, a := range args {
		sum += a
	}
	return json.RawMessage(fmt.Sprintf("%d", sum)), ""
}

func newTestConnection(t *testing.T, handle func(protocol.Message) (json.RawMessage, string)) (*Connection, *transport.Endpoint, *transport.Endpoint) {
	t.Helper()
	hostEnd, pluginEnd := transport.Pair("https://host.example", pluginOrigin)
	dialer := frame.DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		return hostEnd, nil
	})
	c := New(calcProfile(), dialer, nil, nil, log.WithComponent("test"))
	if handle != nil {
		fakePlugin(t, pluginEnd, handle)
	}
	t.Cleanup(func() { _ = pluginEnd.Close() })
	return c, pluginEnd, hostEnd
}

func awaitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, c.State())
}

func TestRenderHandshakeAndCall(t *testing.T) {
	c, _, _ := newTestConnection(t, addHandler)

	require.Equal(t, StateUnloaded, c.State())
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)
	assert.Equal(t, pluginOrigin, c.Origin())

	p, err := c.Call("add", json.RawMessage(`[2,3]`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", string(result))
}

func TestCallBeforeRenderFailsWithNoTransport(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)

	p, err := c.Call("add", json.RawMessage(`[1,1]`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestUndeclaredMethodRejected(t *testing.T) {
	c, _, _ := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)

	_, err := c.Call("formatDisk", nil, nil)
	require.ErrorIs(t, err, callqueue.ErrMethodNotExposed)
	assert.Zero(t, c.QueueDepth())
}

func TestCorrelationIDsStrictlyIncrease(t *testing.T) {
	var seen []int64
	handle := func(msg protocol.Message) (json.RawMessage, string) {
		if id, ok := msg.CorrelationID(); ok {
			seen = append(seen, id)
		}
		return json.RawMessage(`0`), ""
	}
	c, _, _ := newTestConnection(t, func(msg protocol.Message) (json.RawMessage, string) {
		return handle(msg)
	})
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)

	for i := 0; i < 3; i++ {
		p, err := c.Call("add", json.RawMessage(`[0]`), nil)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err = p.Await(ctx)
		cancel()
		require.NoError(t, err)
	}

	// The handshake consumed id 1; calls get 2, 3, 4.
	require.Len(t, seen, 3)
	prev := int64(1)
	for _, id := range seen {
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMismatchedOriginDiscarded(t *testing.T) {
	c, _, hostEnd := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)

	ch, cancel := c.Subscribe()
	defer cancel()

	// A forged notification from another origin must never reach
	// subscribers or touch any connection state.
	forged, err := protocol.Marshal(protocol.NewNotification("calc", "overflow", json.RawMessage(`{"at":1}`)))
	require.NoError(t, err)
	require.NoError(t, hostEnd.Inject("https://evil.example", forged))

	select {
	case n := <-ch:
		t.Fatalf("forged notification delivered: %#v", n)
	case <-time.After(100 * time.Millisecond):
	}

	// The loop keeps serving legitimate traffic afterwards.
	p, err := c.Call("add", json.RawMessage(`[1,1]`), nil)
	require.NoError(t, err)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	result, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", string(result))
}

func TestInboundNotificationReachesSubscribers(t *testing.T) {
	c, pluginEnd, _ := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)

	ch, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, pluginEnd.Send(protocol.NewNotification("calc", "overflow", json.RawMessage(`{"at":9}`))))

	select {
	case n := <-ch:
		assert.Equal(t, "overflow", n.Key)
		assert.JSONEq(t, `{"at":9}`, string(n.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestNotifyPlugin(t *testing.T) {
	c, pluginEnd, _ := newTestConnection(t, nil)
	require.NoError(t, c.Render(context.Background()))

	require.NoError(t, c.Notify("overflow", json.RawMessage(`{"reset":true}`)))

	select {
	case env := <-pluginEnd.Messages():
		msg, err := protocol.Unmarshal(env.Data)
		require.NoError(t, err)
		if msg.Key == protocol.HandshakeKey {
			env = <-pluginEnd.Messages()
			msg, err = protocol.Unmarshal(env.Data)
			require.NoError(t, err)
		}
		assert.Equal(t, protocol.ActionNotification, msg.Action)
		assert.Equal(t, "overflow", msg.Key)
		_, hasID := msg.CorrelationID()
		assert.False(t, hasID, "notifications carry no correlation id")
	case <-time.After(time.Second):
		t.Fatal("notification never sent")
	}

	err := c.Notify("selfDestruct", nil)
	require.Error(t, err)
}

func TestDoubleRenderFails(t *testing.T) {
	c, _, _ := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))

	err := c.Render(context.Background())
	require.ErrorIs(t, err, frame.ErrAlreadyRendered)
}

func TestDeactivateTwiceFails(t *testing.T) {
	c, _, _ := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)

	require.NoError(t, c.Deactivate())
	require.Equal(t, StateDeactivated, c.State())

	err := c.Deactivate()
	require.ErrorIs(t, err, frame.ErrNotRendered)
}

func TestCallAfterDeactivateFails(t *testing.T) {
	c, _, _ := newTestConnection(t, addHandler)
	require.NoError(t, c.Render(context.Background()))
	awaitState(t, c, StateConnected)
	require.NoError(t, c.Deactivate())

	p, err := c.Call("add", json.RawMessage(`[1,2]`), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestLifecycleWithMockTransport(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mt := mocks.NewMockTransport(ctrl)

	inbox := make(chan transport.Envelope)
	var msgs <-chan transport.Envelope = inbox

	mt.EXPECT().Origin().Return(pluginOrigin).AnyTimes()
	mt.EXPECT().Messages().Return(msgs).AnyTimes()
	mt.EXPECT().Send(gomock.Any()).DoAndReturn(func(msg protocol.Message) error {
		if msg.Key != protocol.HandshakeKey {
			t.Errorf("first outbound message must be the handshake, got %q", msg.Key)
		}
		if len(msg.Payload) != 0 {
			t.Errorf("handshake must carry no payload, got %s", msg.Payload)
		}
		return nil
	})
	mt.EXPECT().Close().DoAndReturn(func() error {
		close(inbox)
		return nil
	})

	dialer := frame.DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		return mt, nil
	})
	c := New(calcProfile(), dialer, nil, nil, log.WithComponent("test"))

	require.NoError(t, c.Render(context.Background()))
	require.Equal(t, StateAwaitingHandshake, c.State())
	require.NoError(t, c.Deactivate())
}

func TestHandshakeSendFailureTearsConnectionDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mt := mocks.NewMockTransport(ctrl)

	inbox := make(chan transport.Envelope)
	var msgs <-chan transport.Envelope = inbox

	mt.EXPECT().Origin().Return(pluginOrigin).AnyTimes()
	mt.EXPECT().Messages().Return(msgs).AnyTimes()
	mt.EXPECT().Send(gomock.Any()).Return(errors.New("broken pipe"))
	mt.EXPECT().Close().DoAndReturn(func() error {
		close(inbox)
		return nil
	})

	dialer := frame.DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		return mt, nil
	})
	c := New(calcProfile(), dialer, nil, nil, log.WithComponent("test"))

	err := c.Render(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	// The transport must be closed and the state terminal, not a live
	// frame with a receive loop nobody owns.
	require.Equal(t, StateDeactivated, c.State())
	require.ErrorIs(t, c.Deactivate(), frame.ErrNotRendered)
}
