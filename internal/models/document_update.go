package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
Every change merged into a canonical document is appended to document_updates.
Loading a document replays its rows in id order; KSUIDs sort by creation time.
When a document unloads its rows are replaced by one snapshot row holding the
full state, so the log stays short for rooms that are reopened often.
*/

type UpdateKind string

const (
	UpdateKindIncremental UpdateKind = "update"
	UpdateKindSnapshot    UpdateKind = "snapshot"
)

// DocumentUpdate is one persisted update or snapshot of a room
type DocumentUpdate struct {
	ID           string     `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentName string     `gorm:"type:varchar(255);not null;index:idx_doc_updates" json:"document_name"`
	Update       []byte     `gorm:"type:bytea;not null" json:"-"`
	Kind         UpdateKind `gorm:"type:varchar(16);not null;default:update" json:"kind"`
	CreatedAt    time.Time  `gorm:"index:idx_doc_updates" json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *DocumentUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (DocumentUpdate) TableName() string {
	return "document_updates"
}
