package pending

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInvokesOnce(t *testing.T) {
	table := NewTable()

	var got []string
	require.NoError(t, table.Register("calc", 1, func(payload json.RawMessage, errText string) {
		got = append(got, string(payload))
	}))
	assert.Equal(t, 1, table.Len("calc"))

	require.NoError(t, table.Resolve("calc", 1, json.RawMessage(`5`), ""))
	assert.Equal(t, []string{"5"}, got)
	assert.Equal(t, 0, table.Len("calc"))

	// A second response with the same id is stale.
	err := table.Resolve("calc", 1, json.RawMessage(`5`), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPending))
	assert.Equal(t, []string{"5"}, got, "resolver must not run twice")
}

func TestResolveUnknownPlugin(t *testing.T) {
	table := NewTable()
	err := table.Resolve("ghost", 7, nil, "")
	assert.True(t, errors.Is(err, ErrNoPending))
}

func TestResolverReceivesErrorText(t *testing.T) {
	table := NewTable()

	var gotErr string
	require.NoError(t, table.Register("calc", 2, func(payload json.RawMessage, errText string) {
		gotErr = errText
	}))
	require.NoError(t, table.Resolve("calc", 2, nil, "division by zero"))
	assert.Equal(t, "division by zero", gotErr)
}

func TestRegisterDuplicateID(t *testing.T) {
	table := NewTable()
	noop := func(json.RawMessage, string) {}

	require.NoError(t, table.Register("calc", 1, noop))
	err := table.Register("calc", 1, noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already pending")
}

func TestDropDiscardsSilently(t *testing.T) {
	table := NewTable()

	called := false
	require.NoError(t, table.Register("calc", 3, func(json.RawMessage, string) { called = true }))
	table.Drop("calc", 3)

	assert.False(t, called)
	assert.True(t, errors.Is(table.Resolve("calc", 3, nil, ""), ErrNoPending))
}

func TestEntriesAreScopedPerPlugin(t *testing.T) {
	table := NewTable()
	noop := func(json.RawMessage, string) {}

	require.NoError(t, table.Register("calc", 1, noop))
	require.NoError(t, table.Register("chart", 1, noop))

	require.NoError(t, table.Resolve("calc", 1, nil, ""))
	assert.Equal(t, 0, table.Len("calc"))
	assert.Equal(t, 1, table.Len("chart"))
}
