package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"docsync/internal/auth"
	"docsync/internal/middleware"
	"docsync/internal/telemetry"
)

func SetupRoutes(h *Handler, authn *auth.Authenticator, logger *zap.SugaredLogger) *mux.Router {
	r := mux.NewRouter()

	// tracing first, then recovery, then CORS, then the caller's identity
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS)
	r.Use(authn.Middleware)

	// Collaboration transports
	r.HandleFunc("/ws/{room}", h.HandleDocumentWebSocket).Methods(http.MethodGet)

	pollRoutes := r.PathPrefix("/poll").Subrouter()
	pollRoutes.HandleFunc("/message/{room}", h.HandlePollMessage).Methods(http.MethodPost)
	pollRoutes.HandleFunc("/message/{room}", h.HandlePushStream).Methods(http.MethodGet)
	pollRoutes.HandleFunc("/sync/{room}", h.HandlePollSync).Methods(http.MethodPost)

	// Operator endpoints
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{room}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	r.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet)

	return r
}
