package avatars

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const badgerKeyPrefix = "avatar:"

type badgerValue struct {
	Bytes           []byte `json:"bytes"`
	ContentType     string `json:"content_type"`
	FetchedAtMillis int64  `json:"fetched_at_ms"`
}

// BadgerStore keeps cache entries in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open BadgerDB. The caller owns its lifecycle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadger opens (or creates) a BadgerDB directory for the avatar cache.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return db, nil
}

func badgerKey(subjectID, avatarVersion string) []byte {
	return []byte(badgerKeyPrefix + subjectID + "\x00" + avatarVersion)
}

// Get loads one entry.
func (s *BadgerStore) Get(ctx context.Context, subjectID, avatarVersion string) (Entry, bool, error) {
	var value badgerValue
	found := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(subjectID, avatarVersion))
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("get avatar: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &value)
		})
	})
	if err != nil || !found {
		return Entry{}, false, err
	}
	return Entry{
		SubjectID:     subjectID,
		AvatarVersion: avatarVersion,
		Bytes:         value.Bytes,
		ContentType:   value.ContentType,
		FetchedAt:     time.UnixMilli(value.FetchedAtMillis).UTC(),
	}, true, nil
}

// Upsert writes the entry under its (subject, version) key.
func (s *BadgerStore) Upsert(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(badgerValue{
		Bytes:           entry.Bytes,
		ContentType:     entry.ContentType,
		FetchedAtMillis: entry.FetchedAt.UTC().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal avatar: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(entry.SubjectID, entry.AvatarVersion), data)
	})
}
