package protocol

import (
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
)

// Bodies exchanged with the poll endpoints. Binary fields travel base64-encoded.

// MessageRequest is the body of POST /poll/message/{room}
type MessageRequest struct {
	Message64 string `json:"message64"`
}

// MessageResponse reports whether the frame changed the canonical document.
// Updated false asks the caller to run a full sync right away.
type MessageResponse struct {
	Updated bool `json:"updated"`
}

// SyncRequest is the body of POST /poll/sync/{room}
type SyncRequest struct {
	LocalDoc64 string `json:"localDoc64"`
}

// SyncResponse carries the canonical state when the room exists
type SyncResponse struct {
	SyncDoc64 string `json:"syncDoc64,omitempty"`
}

// PushEvent is one server-sent event on GET /poll/message/{room}.
// A fingerprint without UpdatedDoc64 and Awareness64 means the document was destroyed.
type PushEvent struct {
	Time             int64  `json:"time"`
	UpdatedDoc64     string `json:"updatedDoc64,omitempty"`
	StateFingerprint string `json:"stateFingerprint"`
	Awareness64      string `json:"awareness64,omitempty"`
}

// IsDestroy reports whether the event announces the document's destruction:
// a fingerprint without any payload
func (e *PushEvent) IsDestroy() bool {
	return e.UpdatedDoc64 == "" && e.Awareness64 == "" && e.StateFingerprint != ""
}

// EncodeBase64 is the encoding used for every binary field of the poll API
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return b, nil
}

// MarshalPushEvent renders an event as one SSE "data:" record including the
// terminating blank line.
func MarshalPushEvent(e *PushEvent) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push event: %w", err)
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}

// UnmarshalPushEvent parses the JSON part of an SSE data line
func UnmarshalPushEvent(data []byte) (*PushEvent, error) {
	var e PushEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push event: %w", err)
	}
	return &e, nil
}
