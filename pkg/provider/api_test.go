package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/pkg/protocol"
)

func TestPollClientStatusErrors(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.URL.RawQuery, "requests carry a cache-busting query")
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	c := NewPollClient(srv.URL+"/", "secret", nil)
	_, err := c.PostMessage(context.Background(), "room", []byte{1})
	assert.ErrorIs(t, err, ErrForbidden)

	status = http.StatusNotFound
	_, err = c.Sync(context.Background(), "room", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	status = http.StatusBadRequest
	_, err = c.PostMessage(context.Background(), "room", []byte{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPollClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sub-1", r.URL.Query().Get("subscriber"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		for _, e := range []*protocol.PushEvent{
			{UpdatedDoc64: protocol.EncodeBase64([]byte("u")), StateFingerprint: "a"},
			{Awareness64: protocol.EncodeBase64([]byte("p")), StateFingerprint: "a"},
			{StateFingerprint: "a"},
		} {
			record, err := protocol.MarshalPushEvent(e)
			require.NoError(t, err)
			_, _ = w.Write(record)
		}
	}))
	defer srv.Close()

	var got []*protocol.PushEvent
	err := NewPollClient(srv.URL, "", nil).Stream(context.Background(), "room", "sub-1", func(e *protocol.PushEvent) bool {
		got = append(got, e)
		return true
	})
	assert.ErrorIs(t, err, errStreamDestroyed)
	require.Len(t, got, 3)
	assert.True(t, got[2].IsDestroy())
}

func TestPollClientStreamEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	err := NewPollClient(srv.URL, "", nil).Stream(context.Background(), "room", "", func(*protocol.PushEvent) bool { return true })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWebSocketURL(t *testing.T) {
	u, err := WebSocketURL("https://example.com/base/", "a room")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://example.com/base/ws/"))
	assert.Contains(t, u, "a%20room")

	u, err = WebSocketURL("http://localhost:8080", "r")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/r", u)
}
