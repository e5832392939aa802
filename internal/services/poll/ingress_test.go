package poll

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func newTestIngress() (*Ingress, *docstore.Store) {
	store := docstore.NewStore(zap.NewNop().Sugar())
	return NewIngress(store, zap.NewNop().Sugar()), store
}

// openRoom loads room and pins it with a peer connection
func openRoom(t *testing.T, store *docstore.Store, room string) (*docstore.Document, *fakeConn) {
	t.Helper()
	doc, err := store.CreateDocument(context.Background(), room, docstore.RequestInfo{})
	require.NoError(t, err)
	peer := &fakeConn{id: "peer"}
	require.NoError(t, doc.AddConnection(peer))
	return doc, peer
}

// clientOf returns a client replica seeded from the canonical state
func clientOf(t *testing.T, doc *docstore.Document) *crdt.Doc {
	t.Helper()
	c, err := crdt.Load(doc.Doc().EncodeStateAsUpdate())
	require.NoError(t, err)
	return c
}

func localUpdate(t *testing.T, c *crdt.Doc, text string) []byte {
	t.Helper()
	var update []byte
	unsubscribe := c.OnUpdate(func(u []byte, _ any) { update = u })
	defer unsubscribe()
	require.NoError(t, c.InsertText(nil, 0, text))
	require.NotNil(t, update)
	return update
}

func TestResolveDocument(t *testing.T) {
	ingress, store := newTestIngress()
	ctx := context.Background()

	_, err := ingress.ResolveDocument(ctx, "room", docstore.RequestInfo{}, false)
	assert.ErrorIs(t, err, docstore.ErrDocumentNotFound)

	created, err := ingress.ResolveDocument(ctx, "room", docstore.RequestInfo{}, true)
	require.NoError(t, err)

	loaded, ok := store.Get("room")
	require.True(t, ok)
	assert.Same(t, created, loaded)

	again, err := ingress.ResolveDocument(ctx, "room", docstore.RequestInfo{}, false)
	require.NoError(t, err)
	assert.Same(t, created, again)
}

func TestHandleSyncMergesEditorState(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")

	client := clientOf(t, doc)
	localUpdate(t, client, "offline work")

	state, err := ingress.HandleSync(context.Background(), "room", docstore.RequestInfo{}, true, client.EncodeStateAsUpdate())
	require.NoError(t, err)
	assert.Equal(t, client.Fingerprint(), doc.Doc().Fingerprint())

	_, err = client.ApplyUpdate(state, nil)
	require.NoError(t, err)
	assert.Equal(t, client.Fingerprint(), doc.Doc().Fingerprint())
}

func TestHandleSyncIgnoresReaderState(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")
	before := doc.Doc().Fingerprint()

	client := clientOf(t, doc)
	localUpdate(t, client, "not allowed")

	state, err := ingress.HandleSync(context.Background(), "room", docstore.RequestInfo{}, false, client.EncodeStateAsUpdate())
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.Equal(t, before, doc.Doc().Fingerprint())
}

func TestHandleSyncFromEmptyState(t *testing.T) {
	ingress, _ := newTestIngress()

	state, err := ingress.HandleSync(context.Background(), "fresh", docstore.RequestInfo{}, true, crdt.New().EncodeStateAsUpdate())
	require.NoError(t, err)

	client := crdt.New()
	_, err = client.ApplyUpdate(state, nil)
	require.NoError(t, err)
	assert.True(t, client.HasContent())
}

func TestHandleMessageUpdate(t *testing.T) {
	ingress, store := newTestIngress()
	doc, peer := openRoom(t, store, "room")
	client := clientOf(t, doc)
	frame := protocol.EncodeSyncUpdate("room", localUpdate(t, client, "hello"))

	updated, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, client.Fingerprint(), doc.Doc().Fingerprint())
	// the merge alone reaches WebSocket peers
	assert.Len(t, peer.received(), 1)

	updated, err = ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestHandleMessageStep1IsNotAnUpdate(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")

	frame := protocol.EncodeSyncStep1("room", doc.Doc().EncodeStateVector())
	updated, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestHandleMessageRejectsOtherRoom(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")
	other, _ := openRoom(t, store, "other")
	before := other.Doc().Fingerprint()

	client := clientOf(t, doc)
	frame := protocol.EncodeSyncUpdate("other", localUpdate(t, client, "misrouted"))

	_, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	assert.ErrorIs(t, err, ErrRoomMismatch)
	assert.Equal(t, before, other.Doc().Fingerprint())
}

func TestHandleMessageReaderCannotUpdate(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")
	client := clientOf(t, doc)
	frame := protocol.EncodeSyncUpdate("room", localUpdate(t, client, "nope"))

	_, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, false, frame)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestHandleMessageAwareness(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")

	presence := crdt.NewAwareness(42)
	require.NoError(t, presence.SetLocalState(map[string]string{"name": "ann"}))
	frame := protocol.EncodeAwareness("room", presence.EncodeAll())

	updated, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Contains(t, doc.Awareness().States(), uint32(42))
}

func TestReleasePresence(t *testing.T) {
	ingress, store := newTestIngress()
	doc, _ := openRoom(t, store, "room")

	post := func(subscriber string, clientID uint32, state any) {
		presence := crdt.NewAwareness(clientID)
		require.NoError(t, presence.SetLocalState(state))
		frame := protocol.EncodeAwareness("room", presence.Encode([]uint32{clientID}))
		_, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{Subscriber: subscriber}, true, frame)
		require.NoError(t, err)
	}
	post("a", 1, map[string]string{"name": "one"})
	post("a", 2, map[string]string{"name": "two"})
	post("b", 3, map[string]string{"name": "three"})
	require.Equal(t, []uint32{1, 2, 3}, doc.Awareness().ClientIDs())

	ingress.ReleasePresence(doc, "a")
	assert.Equal(t, []uint32{3}, doc.Awareness().ClientIDs())

	ingress.ReleasePresence(doc, "a")
	ingress.ReleasePresence(doc, "unknown")
	assert.Equal(t, []uint32{3}, doc.Awareness().ClientIDs())
}

func TestHandleMessageForwardsOtherFrames(t *testing.T) {
	ingress, store := newTestIngress()
	_, peer := openRoom(t, store, "room")

	frame := protocol.EncodeStateless("room", protocol.MessageStateless, `{"ping":true}`)
	updated, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, frame)
	require.NoError(t, err)
	assert.True(t, updated)
	require.Len(t, peer.received(), 1)
	assert.Equal(t, frame, peer.received()[0])
}

func TestHandleMessageMalformed(t *testing.T) {
	ingress, store := newTestIngress()
	openRoom(t, store, "room")

	_, err := ingress.HandleMessage(context.Background(), "room", docstore.RequestInfo{}, true, []byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}
