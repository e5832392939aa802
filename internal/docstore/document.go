package docstore

import (
	"errors"
	"sync"
	"time"

	"docsync/internal/telemetry"
	"docsync/pkg/crdt"
	"docsync/pkg/protocol"
)

// ErrDocumentDestroyed is returned when attaching to a document that was unloaded
// after it was looked up. Callers resolve the room again.
var ErrDocumentDestroyed = errors.New("document destroyed")

// Connection is a live peer that receives protocol frames for a document
type Connection interface {
	ID() string
	// Send queues a frame; false means the peer is gone or too slow
	Send(frame []byte) bool
}

type UpdateListener func(update []byte, origin any)

type AwarenessListener func(change crdt.AwarenessChange, origin any)

// Document is one canonical replica plus the peers attached to it
type Document struct {
	name      string
	doc       *crdt.Doc
	awareness *crdt.Awareness
	store     *Store
	createdAt time.Time

	mu                sync.Mutex
	connections       map[string]Connection
	directConnections int
	destroyed         bool

	listenersMu        sync.RWMutex
	updateListeners    map[string]UpdateListener
	destroyListeners   map[string]func()
	awarenessListeners map[string]AwarenessListener
}

func newDocument(name string, store *Store) *Document {
	d := &Document{
		name:               name,
		doc:                crdt.New(),
		awareness:          crdt.NewAwareness(0),
		store:              store,
		createdAt:          time.Now(),
		connections:        make(map[string]Connection),
		updateListeners:    make(map[string]UpdateListener),
		destroyListeners:   make(map[string]func()),
		awarenessListeners: make(map[string]AwarenessListener),
	}
	d.doc.OnUpdate(d.handleUpdate)
	d.awareness.OnChange(d.handleAwareness)
	return d
}

func (d *Document) Name() string {
	return d.name
}

// Doc returns the canonical replica
func (d *Document) Doc() *crdt.Doc {
	return d.doc
}

func (d *Document) Awareness() *crdt.Awareness {
	return d.awareness
}

func (d *Document) CreatedAt() time.Time {
	return d.createdAt
}

// handleUpdate propagates every change of the replica: WebSocket peers get a
// sync update frame (except the connection that caused it), then keyed
// listeners and extensions run.
func (d *Document) handleUpdate(update []byte, origin any) {
	frame := protocol.EncodeSyncUpdate(d.name, update)
	var except string
	if c, ok := origin.(Connection); ok {
		except = c.ID()
	}
	d.Broadcast(frame, except)

	d.listenersMu.RLock()
	listeners := make([]UpdateListener, 0, len(d.updateListeners))
	for _, fn := range d.updateListeners {
		listeners = append(listeners, fn)
	}
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(update, origin)
	}

	d.store.notifyChange(d, update, origin)
}

func (d *Document) handleAwareness(change crdt.AwarenessChange, origin any) {
	update := d.awareness.Encode(change.All())
	d.Broadcast(protocol.EncodeAwareness(d.name, update), "")

	d.listenersMu.RLock()
	listeners := make([]AwarenessListener, 0, len(d.awarenessListeners))
	for _, fn := range d.awarenessListeners {
		listeners = append(listeners, fn)
	}
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change, origin)
	}

	d.store.notifyAwareness(d, change, origin)
}

// Broadcast sends a frame to every connection except the one with id except.
// Peers that cannot keep up are dropped.
func (d *Document) Broadcast(frame []byte, except string) {
	d.mu.Lock()
	peers := make([]Connection, 0, len(d.connections))
	for id, c := range d.connections {
		if id != except {
			peers = append(peers, c)
		}
	}
	d.mu.Unlock()

	for _, c := range peers {
		if !c.Send(frame) {
			d.store.logger.Warnw("Dropping slow connection", "document", d.name, "connection", c.ID())
			d.RemoveConnection(c)
		}
	}
}

// AddConnection attaches a WebSocket peer
func (d *Document) AddConnection(c Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDocumentDestroyed
	}
	if _, ok := d.connections[c.ID()]; !ok {
		d.connections[c.ID()] = c
		telemetry.Connections.WithLabelValues("websocket").Inc()
	}
	return nil
}

// RemoveConnection detaches a peer; the document unloads once nothing is attached
func (d *Document) RemoveConnection(c Connection) {
	d.mu.Lock()
	_, ok := d.connections[c.ID()]
	if ok {
		delete(d.connections, c.ID())
		telemetry.Connections.WithLabelValues("websocket").Dec()
	}
	d.mu.Unlock()

	if ok {
		d.store.unloadIfIdle(d)
	}
}

// Connections returns a snapshot of the attached WebSocket peers
func (d *Document) Connections() []Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Connection, 0, len(d.connections))
	for _, c := range d.connections {
		out = append(out, c)
	}
	return out
}

// AcquireDirectConnection registers a consumer that is not a WebSocket peer
// (a push stream) so the document is not considered abandoned. The returned
// release function is safe to call more than once.
func (d *Document) AcquireDirectConnection() (func(), error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, ErrDocumentDestroyed
	}
	d.directConnections++
	d.mu.Unlock()
	telemetry.Connections.WithLabelValues("direct").Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.directConnections--
			d.mu.Unlock()
			telemetry.Connections.WithLabelValues("direct").Dec()
			d.store.unloadIfIdle(d)
		})
	}, nil
}

// ConnectionCount returns the number of WebSocket peers and direct connections
func (d *Document) ConnectionCount() (websocket, direct int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections), d.directConnections
}

func (d *Document) idleLocked() bool {
	return len(d.connections) == 0 && d.directConnections == 0
}

// SetUpdateListener attaches fn under key, replacing any listener with the same key
func (d *Document) SetUpdateListener(key string, fn UpdateListener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.updateListeners[key] = fn
}

func (d *Document) SetDestroyListener(key string, fn func()) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.destroyListeners[key] = fn
}

func (d *Document) SetAwarenessListener(key string, fn AwarenessListener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.awarenessListeners[key] = fn
}

// RemoveListeners detaches every listener registered under key
func (d *Document) RemoveListeners(key string) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	delete(d.updateListeners, key)
	delete(d.destroyListeners, key)
	delete(d.awarenessListeners, key)
}

// ListenerCount returns the number of update, destroy and awareness listeners
func (d *Document) ListenerCount() (update, destroy, awareness int) {
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	return len(d.updateListeners), len(d.destroyListeners), len(d.awarenessListeners)
}

func (d *Document) fireDestroy() {
	d.listenersMu.RLock()
	listeners := make([]func(), 0, len(d.destroyListeners))
	for _, fn := range d.destroyListeners {
		listeners = append(listeners, fn)
	}
	d.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
