package repository

import (
	"context"
	"fmt"

	"docsync/internal/models"

	"gorm.io/gorm"
)

/*
Query patterns:
- LoadUpdates: replay a room when it loads (everything, oldest first)
- StoreUpdate: append one merged update
- Compact: swap a room's rows for one snapshot when it unloads
*/

// UpdateRepositoryImpl stores document updates in Postgres
type UpdateRepositoryImpl struct {
	db *gorm.DB
}

func NewUpdateRepository(db *gorm.DB) *UpdateRepositoryImpl {
	return &UpdateRepositoryImpl{db: db}
}

// StoreUpdate appends an update to the room's log
func (r *UpdateRepositoryImpl) StoreUpdate(ctx context.Context, documentName string, update []byte) error {
	row := &models.DocumentUpdate{
		DocumentName: documentName,
		Update:       update,
		Kind:         models.UpdateKindIncremental,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to store document update: %w", err)
	}
	return nil
}

// LoadUpdates returns every row of the room, oldest first
func (r *UpdateRepositoryImpl) LoadUpdates(ctx context.Context, documentName string) ([]*models.DocumentUpdate, error) {
	var rows []*models.DocumentUpdate

	err := r.db.WithContext(ctx).
		Where("document_name = ?", documentName).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load document updates: %w", err)
	}
	return rows, nil
}

// Compact replaces the room's rows up to and including the newest one seen
// with a single snapshot. Rows appended concurrently survive; replaying them
// on top of the snapshot is a no-op.
func (r *UpdateRepositoryImpl) Compact(ctx context.Context, documentName string, snapshot []byte) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var newest models.DocumentUpdate
		err := tx.Where("document_name = ?", documentName).
			Order("id DESC").
			Limit(1).
			Find(&newest).Error
		if err != nil {
			return fmt.Errorf("failed to find newest update: %w", err)
		}

		if newest.ID != "" {
			if err := tx.Where("document_name = ? AND id <= ?", documentName, newest.ID).
				Delete(&models.DocumentUpdate{}).Error; err != nil {
				return fmt.Errorf("failed to delete compacted updates: %w", err)
			}
		}

		row := &models.DocumentUpdate{
			DocumentName: documentName,
			Update:       snapshot,
			Kind:         models.UpdateKindSnapshot,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		return nil
	})
}

// CountUpdates returns the number of rows kept for the room
func (r *UpdateRepositoryImpl) CountUpdates(ctx context.Context, documentName string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.DocumentUpdate{}).
		Where("document_name = ?", documentName).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count document updates: %w", err)
	}
	return count, nil
}
