package api

import (
	"net/http"
)

// Collaboration transports

// HandleDocumentWebSocket handles GET /ws/{room}
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}

// HandlePollMessage handles POST /poll/message/{room}
func (h *Handler) HandlePollMessage(w http.ResponseWriter, r *http.Request) {
	h.pollHandler.PostMessage(w, r)
}

// HandlePollSync handles POST /poll/sync/{room}
func (h *Handler) HandlePollSync(w http.ResponseWriter, r *http.Request) {
	h.pollHandler.PostSync(w, r)
}

// HandlePushStream handles GET /poll/message/{room}
func (h *Handler) HandlePushStream(w http.ResponseWriter, r *http.Request) {
	h.pollHandler.StreamMessages(w, r)
}
