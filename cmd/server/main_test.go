package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/docstore"
	"docsync/internal/services/poll"
)

type editors struct{}

func (editors) CanEdit(context.Context, *auth.User, string) bool { return true }

func TestDrainEndsPushStreams(t *testing.T) {
	logger := zap.NewNop().Sugar()
	store := docstore.NewStore(logger)
	bridge := poll.NewBridge(logger)
	handler := poll.NewHandler(poll.NewIngress(store, logger), bridge, editors{}, logger)

	r := mux.NewRouter()
	r.HandleFunc("/poll/message/{room}", handler.StreamMessages).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: r}
	go func() { _ = server.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/poll/message/room?subscriber=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the initial event proves the stream is attached
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	require.Equal(t, 1, bridge.Subscribers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, drain(ctx, server, store.Shutdown))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Empty(t, store.Documents())
	assert.Equal(t, 0, bridge.Subscribers())
}
