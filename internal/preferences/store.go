package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates that no record exists for the requested user id.
	ErrUserNotFound = errors.New("preferences: user not found")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("preferences: invalid user id")
)

const maxIdentifierLength = 190

// Store is the persistence contract for user records.
type Store interface {
	Get(ctx context.Context, userID string) (UserRecord, bool, error)
	Put(ctx context.Context, userID string, record UserRecord) error
	List(ctx context.Context) ([]StoredUser, error)
}

// Record is the row backing a UserRecord.
type Record struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	SnapshotJSON     string `gorm:"column:snapshot_json;type:text;not null"`
	PreferencesJSON  string `gorm:"column:preferences_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_records"
}

// GormStore persists user records in a relational database.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore constructs a store over an already migrated database.
func NewGormStore(db *gorm.DB, clock func() time.Time) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("preferences: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: db, clock: clock}, nil
}

// Get loads a record. The boolean is false when the user has never been seen.
func (s *GormStore) Get(ctx context.Context, userID string) (UserRecord, bool, error) {
	var row Record
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	record, err := decodeRecord(row)
	if err != nil {
		return UserRecord{}, false, err
	}
	return record, true, nil
}

// Put upserts a record; concurrent writers for the same key resolve last-writer-wins.
func (s *GormStore) Put(ctx context.Context, userID string, record UserRecord) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	snapshotJSON, err := json.Marshal(record.AuthorSnapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	preferencesJSON, err := json.Marshal(record.Preferences)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	row := Record{
		UserID:           userID,
		SnapshotJSON:     string(snapshotJSON),
		PreferencesJSON:  string(preferencesJSON),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_json", "preferences_json", "updated_at_s"}),
		}).
		Create(&row).Error
}

// List returns every stored record ordered by user id.
func (s *GormStore) List(ctx context.Context) ([]StoredUser, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]StoredUser, 0, len(rows))
	for _, row := range rows {
		record, err := decodeRecord(row)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", row.UserID, err)
		}
		users = append(users, StoredUser{UserID: row.UserID, Record: record})
	}
	return users, nil
}

func decodeRecord(row Record) (UserRecord, error) {
	var snapshot discord.AuthorSnapshot
	if err := json.Unmarshal([]byte(row.SnapshotJSON), &snapshot); err != nil {
		return UserRecord{}, fmt.Errorf("decode snapshot: %w", err)
	}
	var prefs Preferences
	if err := json.Unmarshal([]byte(row.PreferencesJSON), &prefs); err != nil {
		return UserRecord{}, fmt.Errorf("decode preferences: %w", err)
	}
	return UserRecord{AuthorSnapshot: snapshot, Preferences: prefs}, nil
}

func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(userID) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return nil
}
