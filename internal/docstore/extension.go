package docstore

import (
	"context"

	"docsync/pkg/crdt"
)

// Extension hooks into the lifecycle of every document the store loads.
// OnLoadDocument runs before the document becomes visible; OnUnloadDocument
// runs after it was removed from the store.
type Extension interface {
	Name() string
	OnLoadDocument(ctx context.Context, doc *Document) error
	OnChange(doc *Document, update []byte, origin any)
	OnAwareness(doc *Document, change crdt.AwarenessChange, origin any)
	OnUnloadDocument(ctx context.Context, doc *Document) error
}

// BaseExtension implements every hook as a no-op so extensions only
// override what they need
type BaseExtension struct{}

func (BaseExtension) OnLoadDocument(context.Context, *Document) error   { return nil }
func (BaseExtension) OnChange(*Document, []byte, any)                   {}
func (BaseExtension) OnAwareness(*Document, crdt.AwarenessChange, any)  {}
func (BaseExtension) OnUnloadDocument(context.Context, *Document) error { return nil }

// Initializer prepares a freshly loaded document
type Initializer func(ctx context.Context, doc *Document) error

type initOrigin struct{}

// InitOrigin tags changes made by the initializer
var InitOrigin = initOrigin{}

// ContentInitializer gives documents without one an empty content text object
func ContentInitializer(_ context.Context, doc *Document) error {
	return doc.Doc().InitContent(InitOrigin)
}
