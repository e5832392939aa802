package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"docsync/internal/telemetry"
	"docsync/pkg/crdt"
)

/*
Store holds the canonical replica of every room that has someone attached.

Lifecycle of a document:

	CreateDocument → loading (extensions load persisted state, initializer runs)
	              → loaded (visible to Get/GetLoading callers)
	last connection or direct connection released → unloaded
	              → destroy listeners fire, extensions persist and forget it

Concurrent CreateDocument calls for the same room share one load.
*/

// ErrDocumentNotFound is returned when a room is neither loaded nor loading
var ErrDocumentNotFound = errors.New("document not found")

// RequestInfo describes the request that caused a document to load
type RequestInfo struct {
	UserID     string
	RemoteAddr string
	// Subscriber is the push stream id a fallback client sent along, if any
	Subscriber string
}

type loadingEntry struct {
	done chan struct{}
	doc  *Document
	err  error
}

type Store struct {
	mu        sync.Mutex
	loading   map[string]*loadingEntry
	documents map[string]*Document

	extensions  []Extension
	initializer Initializer
	logger      *zap.SugaredLogger
}

type Option func(*Store)

// WithExtension registers an extension; hooks run in registration order
func WithExtension(ext Extension) Option {
	return func(s *Store) {
		s.extensions = append(s.extensions, ext)
	}
}

// WithInitializer replaces the default content initializer
func WithInitializer(fn Initializer) Option {
	return func(s *Store) {
		s.initializer = fn
	}
}

func NewStore(logger *zap.SugaredLogger, opts ...Option) *Store {
	s := &Store{
		loading:     make(map[string]*loadingEntry),
		documents:   make(map[string]*Document),
		initializer: ContentInitializer,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddExtension registers an extension after construction. Documents already
// loaded are not replayed through it.
func (s *Store) AddExtension(ext Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions = append(s.extensions, ext)
}

func (s *Store) extensionSnapshot() []Extension {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Extension(nil), s.extensions...)
}

// Get returns a loaded document
func (s *Store) Get(name string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[name]
	return doc, ok
}

// GetLoading waits for an in-flight load of name. ok is false when nothing is loading.
func (s *Store) GetLoading(ctx context.Context, name string) (*Document, bool, error) {
	s.mu.Lock()
	entry, ok := s.loading[name]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	select {
	case <-entry.done:
		return entry.doc, true, entry.err
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// Lookup returns the document for name if it is loaded or loading
func (s *Store) Lookup(ctx context.Context, name string) (*Document, error) {
	if doc, ok, err := s.GetLoading(ctx, name); ok {
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	if doc, ok := s.Get(name); ok {
		return doc, nil
	}
	return nil, ErrDocumentNotFound
}

// CreateDocument returns the loaded document for name, loading it first when
// needed. Every transport creates documents through here so persistence and
// initial content hooks run the same way.
func (s *Store) CreateDocument(ctx context.Context, name string, info RequestInfo) (*Document, error) {
	s.mu.Lock()
	if doc, ok := s.documents[name]; ok {
		s.mu.Unlock()
		return doc, nil
	}
	if entry, ok := s.loading[name]; ok {
		s.mu.Unlock()
		select {
		case <-entry.done:
			return entry.doc, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry := &loadingEntry{done: make(chan struct{})}
	s.loading[name] = entry
	s.mu.Unlock()

	doc := newDocument(name, s)
	err := s.load(ctx, doc)

	s.mu.Lock()
	delete(s.loading, name)
	if err == nil {
		s.documents[name] = doc
	}
	s.mu.Unlock()

	if err != nil {
		entry.err = err
		close(entry.done)
		s.logger.Errorw("Failed to load document", "document", name, "user", info.UserID, "error", err)
		return nil, err
	}

	entry.doc = doc
	close(entry.done)
	telemetry.DocumentsLoaded.Inc()
	s.logger.Infow("Document loaded", "document", name, "user", info.UserID, "remote", info.RemoteAddr)
	return doc, nil
}

func (s *Store) load(ctx context.Context, doc *Document) error {
	for _, ext := range s.extensionSnapshot() {
		if err := ext.OnLoadDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to load document %s via %s: %w", doc.name, ext.Name(), err)
		}
	}
	if s.initializer != nil {
		if err := s.initializer(ctx, doc); err != nil {
			return fmt.Errorf("failed to initialize document %s: %w", doc.name, err)
		}
	}
	return nil
}

// ReleaseIfIdle unloads doc when nothing is attached to it. Request handlers
// that touched a document without attaching call this when done.
func (s *Store) ReleaseIfIdle(doc *Document) {
	s.unloadIfIdle(doc)
}

func (s *Store) unloadIfIdle(doc *Document) {
	s.mu.Lock()
	doc.mu.Lock()
	if doc.destroyed || !doc.idleLocked() || s.documents[doc.name] != doc {
		doc.mu.Unlock()
		s.mu.Unlock()
		return
	}
	doc.destroyed = true
	delete(s.documents, doc.name)
	doc.mu.Unlock()
	s.mu.Unlock()

	s.finishUnload(context.Background(), doc)
}

func (s *Store) finishUnload(ctx context.Context, doc *Document) {
	telemetry.DocumentsLoaded.Dec()
	doc.fireDestroy()

	for _, ext := range s.extensionSnapshot() {
		if err := ext.OnUnloadDocument(ctx, doc); err != nil {
			s.logger.Errorw("Extension failed to unload document",
				"document", doc.name, "extension", ext.Name(), "error", err)
		}
	}
	s.logger.Infow("Document unloaded", "document", doc.name)
}

func (s *Store) notifyChange(doc *Document, update []byte, origin any) {
	for _, ext := range s.extensionSnapshot() {
		ext.OnChange(doc, update, origin)
	}
}

func (s *Store) notifyAwareness(doc *Document, change crdt.AwarenessChange, origin any) {
	for _, ext := range s.extensionSnapshot() {
		ext.OnAwareness(doc, change, origin)
	}
}

// Documents returns the names of every loaded document
func (s *Store) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.documents))
	for name := range s.documents {
		names = append(names, name)
	}
	return names
}

// Shutdown unloads every document regardless of attached connections
func (s *Store) Shutdown(ctx context.Context) {
	s.mu.Lock()
	docs := make([]*Document, 0, len(s.documents))
	for name, doc := range s.documents {
		doc.mu.Lock()
		doc.destroyed = true
		doc.mu.Unlock()
		docs = append(docs, doc)
		delete(s.documents, name)
	}
	s.mu.Unlock()

	for _, doc := range docs {
		s.finishUnload(ctx, doc)
	}
}
