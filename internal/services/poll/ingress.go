package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/middleware"
	"docsync/internal/telemetry"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

var (
	// ErrRoomMismatch means a frame names a different room than the request it came with
	ErrRoomMismatch = errors.New("frame addressed to another room")
	ErrForbidden    = errors.New("edit permission required")
	ErrMalformed    = errors.New("malformed frame")
)

type pollOrigin struct{}

// Origin tags every change merged through the poll endpoints
var Origin = pollOrigin{}

func (pollOrigin) String() string { return "poll" }

// DocumentStore is what the poll handlers need from the document store
type DocumentStore interface {
	GetLoading(ctx context.Context, name string) (*docstore.Document, bool, error)
	Get(name string) (*docstore.Document, bool)
	CreateDocument(ctx context.Context, name string, info docstore.RequestInfo) (*docstore.Document, error)
	ReleaseIfIdle(doc *docstore.Document)
}

// Ingress merges frames and states posted by fallback clients into the
// canonical documents. Merging is all it takes to reach WebSocket peers: the
// document propagates its own changes to every attached connection.
//
// Presence posted by a client that names its push subscriber is owned by that
// subscriber and removed once its stream is gone for good.
type Ingress struct {
	store  DocumentStore
	logger *zap.SugaredLogger

	presenceMu sync.Mutex
	presence   map[*docstore.Document]map[string]map[uint32]struct{}
}

// presenceListener is the destroy listener key that forgets a room's owners
const presenceListener = "poll-presence"

func NewIngress(store DocumentStore, logger *zap.SugaredLogger) *Ingress {
	return &Ingress{
		store:    store,
		logger:   logger,
		presence: make(map[*docstore.Document]map[string]map[uint32]struct{}),
	}
}

// ResolveDocument finds the canonical document for room: a load in flight,
// then a loaded document. Only editors may cause a missing room to be created.
func (i *Ingress) ResolveDocument(ctx context.Context, room string, info docstore.RequestInfo, canEdit bool) (*docstore.Document, error) {
	doc, loading, err := i.store.GetLoading(ctx, room)
	if loading {
		if err != nil {
			return nil, fmt.Errorf("failed to wait for document %s: %w", room, err)
		}
		return doc, nil
	}

	if doc, ok := i.store.Get(room); ok {
		return doc, nil
	}

	if !canEdit {
		return nil, docstore.ErrDocumentNotFound
	}

	doc, err = i.store.CreateDocument(ctx, room, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create document %s: %w", room, err)
	}
	return doc, nil
}

// HandleSync merges the caller's full state (editors only) and returns the
// canonical full state
func (i *Ingress) HandleSync(ctx context.Context, room string, info docstore.RequestInfo, canEdit bool, localState []byte) ([]byte, error) {
	ctx, span := middleware.StartSpan(ctx, "Poll.HandleSync",
		attribute.String("room", room),
		attribute.Int("state.size", len(localState)),
	)
	defer span.End()

	doc, err := i.ResolveDocument(ctx, room, info, canEdit)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	defer i.store.ReleaseIfIdle(doc)

	if canEdit && len(localState) > 0 {
		changed, err := doc.Doc().ApplyUpdate(localState, Origin)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if changed {
			telemetry.Merges.WithLabelValues("poll_sync").Inc()
		}
	}

	return doc.Doc().EncodeStateAsUpdate(), nil
}

// HandleMessage applies one protocol frame posted by a fallback client.
// updated is false when a sync frame did not change the canonical state,
// which tells the client to run a full sync.
func (i *Ingress) HandleMessage(ctx context.Context, room string, info docstore.RequestInfo, canEdit bool, raw []byte) (bool, error) {
	ctx, span := middleware.StartSpan(ctx, "Poll.HandleMessage",
		attribute.String("room", room),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	doc, err := i.ResolveDocument(ctx, room, info, canEdit)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return false, err
	}
	defer i.store.ReleaseIfIdle(doc)

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.DocumentName != doc.Name() {
		i.logger.Warnw("Rejected frame addressed to another room",
			"room", doc.Name(), "frame_room", frame.DocumentName, "user", info.UserID)
		return false, ErrRoomMismatch
	}
	span.SetAttributes(attribute.String("message.type", frame.Type.String()))

	switch frame.Type {
	case protocol.MessageSync, protocol.MessageSyncReply:
		step, data, err := frame.Sync()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if step == protocol.SyncStep1 {
			// no channel to answer on; the client falls back to a full sync
			return false, nil
		}
		if !canEdit {
			return false, ErrForbidden
		}
		changed, err := doc.Doc().ApplyUpdate(data, Origin)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if changed {
			telemetry.Merges.WithLabelValues("poll").Inc()
		}
		return changed, nil

	case protocol.MessageAwareness:
		update, err := frame.Awareness()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		change, err := doc.Awareness().Apply(update, Origin)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		i.trackPresence(doc, info.Subscriber, change)
		return true, nil

	default:
		for _, c := range doc.Connections() {
			c.Send(frame.Raw)
		}
		return true, nil
	}
}

func (i *Ingress) trackPresence(doc *docstore.Document, subscriber string, change crdt.AwarenessChange) {
	if subscriber == "" || change.Empty() {
		return
	}

	i.presenceMu.Lock()
	defer i.presenceMu.Unlock()
	owners, ok := i.presence[doc]
	if !ok {
		owners = make(map[string]map[uint32]struct{})
		i.presence[doc] = owners
		doc.SetDestroyListener(presenceListener, func() {
			i.presenceMu.Lock()
			delete(i.presence, doc)
			i.presenceMu.Unlock()
		})
	}
	owned, ok := owners[subscriber]
	if !ok {
		owned = make(map[uint32]struct{})
		owners[subscriber] = owned
	}
	for _, id := range change.Added {
		owned[id] = struct{}{}
	}
	for _, id := range change.Updated {
		owned[id] = struct{}{}
	}
	for _, id := range change.Removed {
		delete(owned, id)
	}
}

// ReleasePresence removes every presence state subscriber posted to doc
func (i *Ingress) ReleasePresence(doc *docstore.Document, subscriber string) {
	i.presenceMu.Lock()
	owned := i.presence[doc][subscriber]
	delete(i.presence[doc], subscriber)
	i.presenceMu.Unlock()
	if len(owned) == 0 {
		return
	}

	ids := make([]uint32, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	doc.Awareness().RemoveStates(ids, Origin)
	i.logger.Debugw("Released fallback presence", "room", doc.Name(), "subscriber", subscriber, "clients", ids)
}
