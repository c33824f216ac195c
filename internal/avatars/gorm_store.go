package avatars

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRecord is the row backing an Entry.
type CacheRecord struct {
	SubjectID       string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	AvatarVersion   string `gorm:"column:avatar_version;primaryKey;size:190;not null"`
	Bytes           []byte `gorm:"column:bytes;not null"`
	ContentType     string `gorm:"column:content_type;size:128"`
	FetchedAtMillis int64  `gorm:"column:fetched_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheRecord) TableName() string {
	return "avatar_cache"
}

// GormStore keeps cache entries in the relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a store over an already migrated database.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("avatars: database connection required")
	}
	return &GormStore{db: db}, nil
}

// Get loads one entry.
func (s *GormStore) Get(ctx context.Context, subjectID, avatarVersion string) (Entry, bool, error) {
	var row CacheRecord
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND avatar_version = ?", subjectID, avatarVersion).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{
		SubjectID:     row.SubjectID,
		AvatarVersion: row.AvatarVersion,
		Bytes:         row.Bytes,
		ContentType:   row.ContentType,
		FetchedAt:     time.UnixMilli(row.FetchedAtMillis).UTC(),
	}, true, nil
}

// Upsert inserts the entry or replaces the bytes stored under the same key.
func (s *GormStore) Upsert(ctx context.Context, entry Entry) error {
	row := CacheRecord{
		SubjectID:       entry.SubjectID,
		AvatarVersion:   entry.AvatarVersion,
		Bytes:           entry.Bytes,
		ContentType:     entry.ContentType,
		FetchedAtMillis: entry.FetchedAt.UTC().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}, {Name: "avatar_version"}},
			DoUpdates: clause.AssignmentColumns([]string{"bytes", "content_type", "fetched_at_ms"}),
		}).
		Create(&row).Error
}
