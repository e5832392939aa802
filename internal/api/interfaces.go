package api

import (
	"docsync/internal/docstore"
	"docsync/internal/models"
)

// The api package consumes these; implementations live with their owners.

// DocumentRegistry exposes the loaded documents
type DocumentRegistry interface {
	Get(name string) (*docstore.Document, bool)
	Documents() []string
}

// SessionLister lists the WebSocket sessions of a room
type SessionLister interface {
	Sessions(documentName string) []models.Session
}

// QueueReporter reports pending persistence writes
type QueueReporter interface {
	GetQueueLength() int
}
