package localstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutAndGetRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(1, "Value", json.RawMessage(`{"a":1}`)))

	value, ok, err := store.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(value))
}

func TestStoreGetMissReportsNotFound(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.Get(99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreDeleteEvictsEntry(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(1, "Value", json.RawMessage(`"hi"`)))
	require.NoError(t, store.Delete(1))

	_, ok, err := store.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePutOverwritesExistingEntry(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put(1, "Value", json.RawMessage(`1`)))
	require.NoError(t, store.Put(1, "Value", json.RawMessage(`2`)))

	value, ok, err := store.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(value))
}
