package poll

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/docstore"
	"docsync/internal/middleware"
	"docsync/internal/telemetry"
	"docsync/pkg/protocol"
)

const maxBodySize = 16 << 20

// Authorizer decides whether a user may change a room
type Authorizer interface {
	CanEdit(ctx context.Context, user *auth.User, room string) bool
}

// Handler serves the poll endpoints used by clients without a working WebSocket:
//
//	POST /poll/message/{room}  {message64}  → {updated}
//	POST /poll/sync/{room}     {localDoc64} → {syncDoc64?}
//	GET  /poll/message/{room}  server-sent events
type Handler struct {
	ingress *Ingress
	bridge  *Bridge
	authz   Authorizer
	logger  *zap.SugaredLogger
}

func NewHandler(ingress *Ingress, bridge *Bridge, authz Authorizer, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		ingress: ingress,
		bridge:  bridge,
		authz:   authz,
		logger:  logger,
	}
}

func requestInfo(r *http.Request, user *auth.User) docstore.RequestInfo {
	return docstore.RequestInfo{
		UserID:     user.ID,
		RemoteAddr: r.RemoteAddr,
		Subscriber: r.URL.Query().Get("subscriber"),
	}
}

func (h *Handler) respond(w http.ResponseWriter, endpoint string, status int, body any) {
	telemetry.PollRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnw("Failed to write response", "endpoint", endpoint, "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, endpoint string, status int, msg string) {
	telemetry.PollRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

// statusFor maps ingress errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRoomMismatch), errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// PostMessage handles POST /poll/message/{room}
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	const endpoint = "message"
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	user := auth.UserFromContext(ctx)

	canEdit := h.authz.CanEdit(ctx, user, room)
	if !canEdit {
		h.fail(w, endpoint, http.StatusForbidden, "edit permission required")
		return
	}

	var req protocol.MessageRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, err := protocol.DecodeBase64(req.Message64)
	if err != nil || len(raw) == 0 {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid message64")
		return
	}

	updated, err := h.ingress.HandleMessage(ctx, room, requestInfo(r, user), canEdit, raw)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("Failed to handle poll message", "room", room, "request_id", middleware.GetRequestID(ctx), "error", err)
		}
		h.fail(w, endpoint, status, err.Error())
		return
	}

	h.respond(w, endpoint, http.StatusOK, protocol.MessageResponse{Updated: updated})
}

// PostSync handles POST /poll/sync/{room}
func (h *Handler) PostSync(w http.ResponseWriter, r *http.Request) {
	const endpoint = "sync"
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	user := auth.UserFromContext(ctx)
	canEdit := h.authz.CanEdit(ctx, user, room)

	var req protocol.SyncRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid request body")
		return
	}
	local, err := protocol.DecodeBase64(req.LocalDoc64)
	if err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid localDoc64")
		return
	}

	state, err := h.ingress.HandleSync(ctx, room, requestInfo(r, user), canEdit, local)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Errorw("Failed to handle poll sync", "room", room, "request_id", middleware.GetRequestID(ctx), "error", err)
		}
		h.fail(w, endpoint, status, err.Error())
		return
	}

	h.respond(w, endpoint, http.StatusOK, protocol.SyncResponse{SyncDoc64: protocol.EncodeBase64(state)})
}

// StreamMessages handles GET /poll/message/{room}. The optional subscriber
// query parameter identifies the client across reconnects.
func (h *Handler) StreamMessages(w http.ResponseWriter, r *http.Request) {
	const endpoint = "stream"
	ctx := r.Context()
	room := mux.Vars(r)["room"]
	user := auth.UserFromContext(ctx)
	canEdit := h.authz.CanEdit(ctx, user, room)
	subscriber := r.URL.Query().Get("subscriber")

	// one retry covers a document unloaded between lookup and subscribe
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := h.ingress.ResolveDocument(ctx, room, requestInfo(r, user), canEdit)
		if err != nil {
			h.fail(w, endpoint, statusFor(err), err.Error())
			return
		}

		err = h.bridge.Serve(w, r, doc, subscriber)
		if errors.Is(err, docstore.ErrDocumentDestroyed) {
			continue
		}
		if subscriber != "" {
			h.bridge.AfterIdle(doc.Name(), subscriber, func() {
				h.ingress.ReleasePresence(doc, subscriber)
			})
		}
		telemetry.PollRequests.WithLabelValues(endpoint, strconv.Itoa(http.StatusOK)).Inc()
		if err != nil {
			h.logger.Debugw("Push stream closed", "room", room, "user", user.ID, "error", err)
		}
		return
	}
	h.fail(w, endpoint, http.StatusServiceUnavailable, "document is being unloaded")
}
