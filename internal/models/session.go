package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a room
type Session struct {
	ID           string    `json:"id"`
	DocumentName string    `json:"document_name"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ReadOnly     bool      `json:"read_only"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// DocumentInfo is what operators see about a loaded room
type DocumentInfo struct {
	Name              string    `json:"name"`
	Fingerprint       string    `json:"fingerprint"`
	Connections       int       `json:"connections"`
	DirectConnections int       `json:"direct_connections"`
	AwarenessClients  int       `json:"awareness_clients"`
	LoadedAt          time.Time `json:"loaded_at"`
}

func NewSession(documentName, userID, userName string, readOnly bool) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		DocumentName: documentName,
		UserID:       userID,
		UserName:     userName,
		ReadOnly:     readOnly,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
