package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taquila123/remix-plugin/internal/protocol"
)

func TestPairDelivery(t *testing.T) {
	host, plugin := Pair("https://host.example.com", "https://plugins.example.com")

	assert.Equal(t, "https://plugins.example.com", host.Origin())
	assert.Equal(t, "https://host.example.com", plugin.Origin())

	msg := protocol.NewRequest("calc", "add", 1, json.RawMessage(`[2,3]`), nil)
	require.NoError(t, host.Send(msg))

	env := <-plugin.Messages()
	assert.Equal(t, "https://host.example.com", env.Origin)

	got, err := protocol.Unmarshal(env.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionRequest, got.Action)
	assert.Equal(t, "add", got.Key)
}

func TestSendAfterPeerClose(t *testing.T) {
	host, plugin := Pair("https://host.example.com", "https://plugins.example.com")
	require.NoError(t, plugin.Close())

	err := host.Send(protocol.NewNotification("calc", "tick", nil))
	assert.ErrorIs(t, err, ErrClosed)

	// Closing twice is safe.
	require.NoError(t, plugin.Close())
}

func TestInjectCarriesArbitraryOrigin(t *testing.T) {
	host, _ := Pair("https://host.example.com", "https://plugins.example.com")

	require.NoError(t, host.Inject("https://evil.example.com", []byte(`{}`)))
	env := <-host.Messages()
	assert.Equal(t, "https://evil.example.com", env.Origin)
}
