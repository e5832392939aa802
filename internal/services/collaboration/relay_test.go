package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/pkg/crdt"
)

// relayNode is one server instance: a store with a relay attached
type relayNode struct {
	store *docstore.Store
	relay *Relay
}

func newRelayNode(t *testing.T, addr string) *relayNode {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := docstore.NewStore(logger)

	client := redis.NewClient(&redis.Options{Addr: addr})
	relay := NewRelay(client, store, logger)
	store.AddExtension(relay)
	require.NoError(t, relay.Start(context.Background()))
	t.Cleanup(func() {
		_ = relay.Close()
		_ = client.Close()
	})
	return &relayNode{store: store, relay: relay}
}

func (n *relayNode) open(t *testing.T, room string) *docstore.Document {
	t.Helper()
	doc, err := n.store.CreateDocument(context.Background(), room, docstore.RequestInfo{})
	require.NoError(t, err)
	return doc
}

func sameState(a, b *docstore.Document) func() bool {
	return func() bool {
		return a.Doc().Fingerprint() == b.Doc().Fingerprint()
	}
}

func TestRelayMirrorsUpdates(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRelayNode(t, mr.Addr())
	b := newRelayNode(t, mr.Addr())
	docA := a.open(t, "room")
	docB := b.open(t, "room")

	require.NoError(t, docA.Doc().InsertText(nil, 0, "from a"))
	assert.Eventually(t, sameState(docA, docB), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, docB.Doc().InsertText(nil, 0, "from b "))
	assert.Eventually(t, func() bool {
		text, err := docA.Doc().Text()
		return err == nil && text == "from b from a"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayMirrorsAwareness(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRelayNode(t, mr.Addr())
	b := newRelayNode(t, mr.Addr())
	docA := a.open(t, "room")
	docB := b.open(t, "room")

	presence := crdt.NewAwareness(11)
	require.NoError(t, presence.SetLocalState(map[string]string{"name": "di"}))
	_, err := docA.Awareness().Apply(presence.EncodeAll(), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := docB.Awareness().States()[11]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	docA.Awareness().RemoveStates([]uint32{11}, nil)
	assert.Eventually(t, func() bool {
		_, ok := docB.Awareness().States()[11]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayIgnoresUnloadedRooms(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRelayNode(t, mr.Addr())
	b := newRelayNode(t, mr.Addr())

	docA := a.open(t, "room")
	require.NoError(t, docA.Doc().InsertText(nil, 0, "only here"))

	time.Sleep(50 * time.Millisecond)
	_, loaded := b.store.Get("room")
	assert.False(t, loaded)
}

func TestRelayConcurrentEditsConverge(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRelayNode(t, mr.Addr())
	b := newRelayNode(t, mr.Addr())
	docA := a.open(t, "room")
	docB := b.open(t, "room")

	require.NoError(t, docA.Doc().InsertText(nil, 0, "AAA"))
	require.NoError(t, docB.Doc().InsertText(nil, 0, "BBB"))

	require.Eventually(t, sameState(docA, docB), 2*time.Second, 10*time.Millisecond)
	textA, err := docA.Doc().Text()
	require.NoError(t, err)
	textB, err := docB.Doc().Text()
	require.NoError(t, err)
	assert.Equal(t, textA, textB)
	assert.Contains(t, textA, "AAA")
	assert.Contains(t, textA, "BBB")
}

func TestRelayCatchesUpLateLoader(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRelayNode(t, mr.Addr())
	b := newRelayNode(t, mr.Addr())

	docA := a.open(t, "room")
	require.NoError(t, docA.Doc().InsertText(nil, 0, "before b"))

	docB := b.open(t, "room")
	require.Eventually(t, sameState(docA, docB), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, docA.Doc().InsertText(nil, 0, "after b, "))
	require.Eventually(t, func() bool {
		text, err := docB.Doc().Text()
		return err == nil && text == "after b, before b"
	}, 2*time.Second, 10*time.Millisecond)
}
