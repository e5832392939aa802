package api

import (
	"net/http"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/models"
	"docsync/internal/services/collaboration"
	"docsync/internal/services/poll"
)

// Handler serves the operator endpoints and hands the collaboration
// transports to their own handlers
type Handler struct {
	docs        DocumentRegistry
	sessions    SessionLister
	persistence QueueReporter
	wsHandler   *collaboration.WebSocketHandler
	pollHandler *poll.Handler
	logger      *zap.SugaredLogger
}

func NewHandler(
	docs DocumentRegistry,
	sessions SessionLister,
	persistence QueueReporter,
	wsHandler *collaboration.WebSocketHandler,
	pollHandler *poll.Handler,
	logger *zap.SugaredLogger,
) *Handler {
	return &Handler{
		docs:        docs,
		sessions:    sessions,
		persistence: persistence,
		wsHandler:   wsHandler,
		pollHandler: pollHandler,
		logger:      logger,
	}
}

// DocumentDetail is a loaded room with its WebSocket sessions
type DocumentDetail struct {
	models.DocumentInfo
	Sessions []models.Session `json:"sessions"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnw("Failed to write response", "error", err)
	}
}

func documentInfo(doc *docstore.Document) models.DocumentInfo {
	ws, direct := doc.ConnectionCount()
	return models.DocumentInfo{
		Name:              doc.Name(),
		Fingerprint:       doc.Doc().Fingerprint(),
		Connections:       ws,
		DirectConnections: direct,
		AwarenessClients:  len(doc.Awareness().ClientIDs()),
		LoadedAt:          doc.CreatedAt(),
	}
}

// ListDocuments handles GET /api/documents
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	names := h.docs.Documents()
	sort.Strings(names)

	infos := make([]models.DocumentInfo, 0, len(names))
	for _, name := range names {
		// may have unloaded since listing
		if doc, ok := h.docs.Get(name); ok {
			infos = append(infos, documentInfo(doc))
		}
	}
	h.writeJSON(w, http.StatusOK, infos)
}

// GetDocument handles GET /api/documents/{room}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	doc, ok := h.docs.Get(room)
	if !ok {
		http.Error(w, docstore.ErrDocumentNotFound.Error(), http.StatusNotFound)
		return
	}

	sessions := h.sessions.Sessions(room)
	if sessions == nil {
		sessions = []models.Session{}
	}
	h.writeJSON(w, http.StatusOK, DocumentDetail{
		DocumentInfo: documentInfo(doc),
		Sessions:     sessions,
	})
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"documents":         len(h.docs.Documents()),
		"persistence_queue": h.persistence.GetQueueLength(),
	})
}
