package poll

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/docstore"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

type staticAuthorizer bool

func (a staticAuthorizer) CanEdit(context.Context, *auth.User, string) bool { return bool(a) }

type testServer struct {
	*httptest.Server
	store  *docstore.Store
	bridge *Bridge
}

func newTestServer(t *testing.T, canEdit bool, opts ...BridgeOption) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := docstore.NewStore(logger)
	opts = append([]BridgeOption{WithKeepAlive(50 * time.Millisecond), WithBuffer(16)}, opts...)
	bridge := NewBridge(logger, opts...)
	h := NewHandler(NewIngress(store, logger), bridge, staticAuthorizer(canEdit), logger)

	r := mux.NewRouter()
	r.HandleFunc("/poll/message/{room}", h.PostMessage).Methods(http.MethodPost)
	r.HandleFunc("/poll/message/{room}", h.StreamMessages).Methods(http.MethodGet)
	r.HandleFunc("/poll/sync/{room}", h.PostSync).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, bridge: bridge}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// stream opens a push stream and decodes its data records
func (s *testServer) stream(t *testing.T, room, subscriber string) (<-chan *protocol.PushEvent, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/poll/message/"+room+"?subscriber="+subscriber, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan *protocol.PushEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			e, err := protocol.UnmarshalPushEvent([]byte(data))
			if err != nil {
				return
			}
			events <- e
		}
	}()
	return events, cancel
}

func next(t *testing.T, events <-chan *protocol.PushEvent) *protocol.PushEvent {
	t.Helper()
	select {
	case e, ok := <-events:
		require.True(t, ok, "stream closed")
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no push event")
		return nil
	}
}

func TestPostMessageRequiresEditor(t *testing.T) {
	srv := newTestServer(t, false)
	resp := srv.post(t, "/poll/message/room", protocol.MessageRequest{Message64: "AA=="})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPostSyncReaderMissingRoom(t *testing.T) {
	srv := newTestServer(t, false)
	resp := srv.post(t, "/poll/sync/room", protocol.SyncRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostMessageBadBody(t *testing.T) {
	srv := newTestServer(t, true)

	resp, err := http.Post(srv.URL+"/poll/message/room", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := srv.post(t, "/poll/message/room", protocol.MessageRequest{Message64: "!!"})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestPostMessageRoomMismatch(t *testing.T) {
	srv := newTestServer(t, true)
	frame := protocol.EncodeSyncUpdate("other", []byte{1})
	resp := srv.post(t, "/poll/message/room", protocol.MessageRequest{Message64: protocol.EncodeBase64(frame)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncThenPushThenMessage(t *testing.T) {
	srv := newTestServer(t, true)

	events, cancel := srv.stream(t, "room", "sub-1")
	defer cancel()
	initial := next(t, events)
	assert.NotEmpty(t, initial.UpdatedDoc64)

	// never-connected client: empty state
	resp := srv.post(t, "/poll/sync/room", protocol.SyncRequest{LocalDoc64: protocol.EncodeBase64(crdt.New().EncodeStateAsUpdate())})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var synced protocol.SyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&synced))
	state, err := protocol.DecodeBase64(synced.SyncDoc64)
	require.NoError(t, err)
	client, err := crdt.Load(state)
	require.NoError(t, err)
	assert.Equal(t, client.Fingerprint(), initial.StateFingerprint)

	var update []byte
	client.OnUpdate(func(u []byte, _ any) { update = u })
	require.NoError(t, client.InsertText(nil, 0, "typed offline"))

	frame := protocol.EncodeSyncUpdate("room", update)
	resp = srv.post(t, "/poll/message/room", protocol.MessageRequest{Message64: protocol.EncodeBase64(frame)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg protocol.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.True(t, msg.Updated)

	pushed := next(t, events)
	assert.NotEmpty(t, pushed.UpdatedDoc64)
	assert.Equal(t, client.Fingerprint(), pushed.StateFingerprint)
}

func TestPushAwarenessEvent(t *testing.T) {
	srv := newTestServer(t, true)
	events, cancel := srv.stream(t, "room", "sub-1")
	defer cancel()
	next(t, events)

	presence := crdt.NewAwareness(5)
	require.NoError(t, presence.SetLocalState(map[string]string{"name": "bo"}))
	frame := protocol.EncodeAwareness("room", presence.EncodeAll())
	resp := srv.post(t, "/poll/message/room", protocol.MessageRequest{Message64: protocol.EncodeBase64(frame)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	e := next(t, events)
	require.NotEmpty(t, e.Awareness64)
	raw, err := protocol.DecodeBase64(e.Awareness64)
	require.NoError(t, err)

	mirror := crdt.NewAwareness(9)
	_, err = mirror.Apply(raw, nil)
	require.NoError(t, err)
	assert.Contains(t, mirror.States(), uint32(5))
}

func TestPushStreamCleanupOnClose(t *testing.T) {
	srv := newTestServer(t, true)
	events, cancel := srv.stream(t, "room", "sub-1")
	next(t, events)

	doc, ok := srv.store.Get("room")
	require.True(t, ok)
	_, direct := doc.ConnectionCount()
	assert.Equal(t, 1, direct)

	cancel()
	assert.Eventually(t, func() bool {
		u, d, a := doc.ListenerCount()
		_, direct := doc.ConnectionCount()
		return u+d+a == 0 && direct == 0 && srv.bridge.Subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, loaded := srv.store.Get("room")
	assert.False(t, loaded)
}

func TestPushResubscribeDoesNotDoubleFire(t *testing.T) {
	srv := newTestServer(t, true)
	first, cancelFirst := srv.stream(t, "room", "same")
	defer cancelFirst()
	next(t, first)

	second, cancelSecond := srv.stream(t, "room", "same")
	defer cancelSecond()
	next(t, second)

	// the replaced stream ends
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-first:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	doc, ok := srv.store.Get("room")
	require.True(t, ok)
	u, d, a := doc.ListenerCount()
	assert.Equal(t, []int{1, 1, 1}, []int{u, d, a})
	assert.Equal(t, 1, srv.bridge.Subscribers())
}

func TestPushDestroyEvent(t *testing.T) {
	srv := newTestServer(t, true)
	events, cancel := srv.stream(t, "room", "sub-1")
	defer cancel()
	next(t, events)

	srv.store.Shutdown(context.Background())

	e := next(t, events)
	assert.True(t, e.IsDestroy())
	assert.NotEmpty(t, e.StateFingerprint)

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after destroy")
	}
}

func TestKeepAliveComments(t *testing.T) {
	srv := newTestServer(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/poll/message/room", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	found := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), ": keep-alive") {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func postPresence(t *testing.T, srv *testServer, room, subscriber string, clientID uint32) {
	t.Helper()
	presence := crdt.NewAwareness(clientID)
	require.NoError(t, presence.SetLocalState(map[string]string{"name": "cy"}))
	frame := protocol.EncodeAwareness(room, presence.EncodeAll())
	resp := srv.post(t, "/poll/message/"+room+"?subscriber="+subscriber, protocol.MessageRequest{Message64: protocol.EncodeBase64(frame)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresenceReleasedAfterStreamEnds(t *testing.T) {
	srv := newTestServer(t, true, WithIdleGrace(50*time.Millisecond))
	doc, _ := openRoom(t, srv.store, "room")

	events, cancel := srv.stream(t, "room", "sub-1")
	next(t, events)
	postPresence(t, srv, "room", "sub-1", 21)
	postPresence(t, srv, "room", "", 22)
	require.Contains(t, doc.Awareness().States(), uint32(21))

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := doc.Awareness().States()[21]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	// presence without a subscriber has no owner to outlive
	assert.Contains(t, doc.Awareness().States(), uint32(22))
}

func TestPresenceKeptWhenStreamReopens(t *testing.T) {
	srv := newTestServer(t, true, WithIdleGrace(100*time.Millisecond))
	doc, _ := openRoom(t, srv.store, "room")

	first, cancelFirst := srv.stream(t, "room", "sub-1")
	next(t, first)
	postPresence(t, srv, "room", "sub-1", 31)

	cancelFirst()
	second, cancelSecond := srv.stream(t, "room", "sub-1")
	defer cancelSecond()
	next(t, second)

	time.Sleep(250 * time.Millisecond)
	assert.Contains(t, doc.Awareness().States(), uint32(31))
}
