package collaboration

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/docstore"
	"docsync/internal/middleware"
	"docsync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origins are enforced by the token, not the browser
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DocumentResolver finds or creates the canonical document of a room
type DocumentResolver interface {
	ResolveDocument(ctx context.Context, room string, info docstore.RequestInfo, canEdit bool) (*docstore.Document, error)
}

type Authorizer interface {
	CanEdit(ctx context.Context, user *auth.User, room string) bool
}

// WebSocketHandler upgrades /ws/{room} and attaches the peer to the room
type WebSocketHandler struct {
	sessionManager *SessionManager
	resolver       DocumentResolver
	authz          Authorizer
	logger         *zap.SugaredLogger
}

func NewWebSocketHandler(sessionManager *SessionManager, resolver DocumentResolver, authz Authorizer, logger *zap.SugaredLogger) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		resolver:       resolver,
		authz:          authz,
		logger:         logger,
	}
}

// HandleDocumentConnection handles GET /ws/{room}
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	user := auth.UserFromContext(ctx)
	canEdit := h.authz.CanEdit(ctx, user, room)
	info := docstore.RequestInfo{UserID: user.ID, RemoteAddr: r.RemoteAddr}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.name", room),
		attribute.String("user.id", user.ID),
		attribute.Bool("read_only", !canEdit),
	)
	defer span.End()

	doc, err := h.resolver.ResolveDocument(ctx, room, info, canEdit)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Errorw("Failed to resolve document", "room", room, "error", err)
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Failed to upgrade WebSocket", "room", room, "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	profile := models.Session{UserID: user.ID, UserName: user.Name, ReadOnly: !canEdit}
	session := h.sessionManager.newSession(conn, doc, profile)
	err = h.sessionManager.register(session)
	if errors.Is(err, docstore.ErrDocumentDestroyed) {
		// unloaded between resolve and attach
		if doc, err = h.resolver.ResolveDocument(ctx, room, info, canEdit); err == nil {
			session = h.sessionManager.newSession(conn, doc, profile)
			err = h.sessionManager.register(session)
		}
	}
	if err != nil {
		h.logger.Warnw("Failed to attach session", "room", room, "error", err)
		middleware.AddSpanError(ctx, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "document unavailable")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	// pumps outlive the request
	pumpCtx := context.WithoutCancel(ctx)
	go session.WritePump()
	go session.ReadPump(pumpCtx)

	h.logger.Infow("✓ WebSocket connection established",
		"room", room, "user", user.Name, "session", session.ID(), "read_only", !canEdit)
}
