package repository

import (
	"context"
	"sync"
	"time"

	"docsync/internal/models"

	"github.com/segmentio/ksuid"
)

// MemoryUpdateRepository keeps document updates in process memory. It backs
// PERSISTENCE=memory and tests; contents are lost on restart.
type MemoryUpdateRepository struct {
	mu   sync.Mutex
	rows map[string][]*models.DocumentUpdate
}

func NewMemoryUpdateRepository() *MemoryUpdateRepository {
	return &MemoryUpdateRepository{rows: make(map[string][]*models.DocumentUpdate)}
}

func (r *MemoryUpdateRepository) append(documentName string, update []byte, kind models.UpdateKind) {
	r.rows[documentName] = append(r.rows[documentName], &models.DocumentUpdate{
		ID:           ksuid.New().String(),
		DocumentName: documentName,
		Update:       append([]byte(nil), update...),
		Kind:         kind,
		CreatedAt:    time.Now(),
	})
}

func (r *MemoryUpdateRepository) StoreUpdate(_ context.Context, documentName string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append(documentName, update, models.UpdateKindIncremental)
	return nil
}

func (r *MemoryUpdateRepository) LoadUpdates(_ context.Context, documentName string) ([]*models.DocumentUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.DocumentUpdate(nil), r.rows[documentName]...), nil
}

func (r *MemoryUpdateRepository) Compact(_ context.Context, documentName string, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[documentName] = nil
	r.append(documentName, snapshot, models.UpdateKindSnapshot)
	return nil
}

func (r *MemoryUpdateRepository) CountUpdates(_ context.Context, documentName string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rows[documentName])), nil
}
