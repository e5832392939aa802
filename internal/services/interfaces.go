package services

import (
	"context"

	"docsync/internal/models"
)

// UpdateRepository is what the persistence service needs from update storage.
// Implemented by repository.UpdateRepositoryImpl (Postgres) and
// repository.MemoryUpdateRepository.
type UpdateRepository interface {
	StoreUpdate(ctx context.Context, documentName string, update []byte) error
	LoadUpdates(ctx context.Context, documentName string) ([]*models.DocumentUpdate, error)
	Compact(ctx context.Context, documentName string, snapshot []byte) error
}
