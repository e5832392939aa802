package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cursor struct {
	Name   string `json:"name"`
	Anchor int    `json:"anchor"`
}

func TestAwarenessPropagatesLocalState(t *testing.T) {
	alice := NewAwareness(1)
	server := NewAwareness(0)

	require.NoError(t, alice.SetLocalState(cursor{Name: "alice", Anchor: 3}))
	change, err := server.Apply(alice.Encode([]uint32{1}), "ws")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Added)
	assert.JSONEq(t, `{"name":"alice","anchor":3}`, string(server.States()[1]))

	require.NoError(t, alice.SetLocalState(cursor{Name: "alice", Anchor: 7}))
	change, err = server.Apply(alice.EncodeAll(), "ws")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, change.Updated)
	assert.JSONEq(t, `{"name":"alice","anchor":7}`, string(server.States()[1]))
}

func TestAwarenessIgnoresStaleClock(t *testing.T) {
	alice := NewAwareness(1)
	server := NewAwareness(0)

	require.NoError(t, alice.SetLocalState(cursor{Name: "alice", Anchor: 1}))
	stale := alice.EncodeAll()
	require.NoError(t, alice.SetLocalState(cursor{Name: "alice", Anchor: 2}))

	_, err := server.Apply(alice.EncodeAll(), nil)
	require.NoError(t, err)
	change, err := server.Apply(stale, nil)
	require.NoError(t, err)
	assert.True(t, change.Empty())
	assert.JSONEq(t, `{"name":"alice","anchor":2}`, string(server.States()[1]))
}

func TestAwarenessRemoval(t *testing.T) {
	alice := NewAwareness(1)
	server := NewAwareness(0)
	peer := NewAwareness(2)

	require.NoError(t, alice.SetLocalState(cursor{Name: "alice"}))
	_, err := server.Apply(alice.EncodeAll(), nil)
	require.NoError(t, err)
	_, err = peer.Apply(server.EncodeAll(), nil)
	require.NoError(t, err)

	var observed []AwarenessChange
	peer.OnChange(func(change AwarenessChange, origin any) {
		observed = append(observed, change)
	})

	removed := server.RemoveStates([]uint32{1}, "close")
	assert.Equal(t, []uint32{1}, removed.Removed)
	assert.Empty(t, server.ClientIDs())

	_, err = peer.Apply(server.Encode(removed.All()), nil)
	require.NoError(t, err)
	assert.Empty(t, peer.States())
	require.Len(t, observed, 1)
	assert.Equal(t, []uint32{1}, observed[0].Removed)
}

func TestAwarenessSkipsOwnClient(t *testing.T) {
	alice := NewAwareness(1)
	require.NoError(t, alice.SetLocalState(cursor{Name: "alice"}))

	other := NewAwareness(9)
	_, err := other.Apply(alice.EncodeAll(), nil)
	require.NoError(t, err)
	require.NoError(t, other.SetLocalState(cursor{Name: "other"}))

	// echoing alice's own state back must not disturb it
	change, err := alice.Apply(other.Encode([]uint32{1, 9}), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, change.Added)
	assert.JSONEq(t, `{"name":"alice","anchor":0}`, string(alice.LocalState()))
}

func TestAwarenessRejectsTruncatedUpdate(t *testing.T) {
	alice := NewAwareness(1)
	require.NoError(t, alice.SetLocalState(cursor{Name: "alice"}))
	update := alice.EncodeAll()

	_, err := NewAwareness(0).Apply(update[:len(update)-2], nil)
	assert.Error(t, err)
}
