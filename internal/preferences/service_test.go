package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate user records: %v", err)
	}
	store, err := NewGormStore(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestReconcileCreatesDefaultRecordForUnseenAuthor(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store)
	observed := discord.AuthorSnapshot{Username: "wren", Discriminator: "0420", PublicFlags: 64}

	prefs, err := service.Reconcile(context.Background(), "u-1", observed)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if prefs.NameStrategies[0].Kind != NameGuildNickname {
		t.Fatalf("expected default preferences, got %+v", prefs)
	}

	record, found, err := store.Get(context.Background(), "u-1")
	if err != nil || !found {
		t.Fatalf("expected stored record, found=%v err=%v", found, err)
	}
	if record.AuthorSnapshot != observed {
		t.Fatalf("unexpected stored snapshot %+v", record.AuthorSnapshot)
	}
}

func TestReconcileReplacesDriftedSnapshotWithoutTouchingPreferences(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store)
	ctx := context.Background()

	// Deliberately unnormalized: no fallback and a duplicate entry.
	stored := Preferences{
		NameStrategies:    []NameStrategy{CustomLabel("Grandma"), CustomLabel("Nana")},
		AvatarStrategies:  []AvatarStrategy{AvatarOf(AvatarIntegrationGroup)},
		Integration:       &IntegrationConfig{},
		ShowDiscriminator: true,
	}
	original := UserRecord{
		AuthorSnapshot: discord.AuthorSnapshot{Username: "old-name", Discriminator: "0001"},
		Preferences:    stored,
	}
	if err := store.Put(ctx, "u-1", original); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	storedJSON, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	observed := discord.AuthorSnapshot{Username: "new-name", Discriminator: "0", Avatar: "hash-2"}
	prefs, err := service.Reconcile(ctx, "u-1", observed)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	record, _, err := store.Get(ctx, "u-1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if record.AuthorSnapshot != observed {
		t.Fatalf("expected observed snapshot to be persisted, got %+v", record.AuthorSnapshot)
	}
	reloadedJSON, err := json.Marshal(record.Preferences)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(reloadedJSON) != string(storedJSON) {
		t.Fatalf("preferences changed:\n got %s\nwant %s", reloadedJSON, storedJSON)
	}

	if label, _ := prefs.CustomLabelText(); label != "Grandma" {
		t.Fatalf("expected normalized preferences for resolution, got %+v", prefs.NameStrategies)
	}
	if prefs.NameStrategies[len(prefs.NameStrategies)-1] != UsernameStrategy() {
		t.Fatalf("expected returned preferences to carry the fallback")
	}
}

type countingStore struct {
	Store
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, userID string, record UserRecord) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Store.Put(ctx, userID, record)
}

func TestReconcileSkipsWriteWhenSnapshotUnchanged(t *testing.T) {
	store := &countingStore{Store: newTestStore(t)}
	service := newTestService(t, store)
	observed := discord.AuthorSnapshot{Username: "wren", Discriminator: "0"}

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := service.Reconcile(context.Background(), "u-1", observed); err != nil {
			t.Fatalf("reconcile %d failed: %v", attempt, err)
		}
	}
	if store.puts != 1 {
		t.Fatalf("expected a single write for the initial record, got %d", store.puts)
	}
}

type failingStore struct {
	err error
}

func (s failingStore) Get(context.Context, string) (UserRecord, bool, error) {
	return UserRecord{}, false, s.err
}

func (s failingStore) Put(context.Context, string, UserRecord) error {
	return s.err
}

func (s failingStore) List(context.Context) ([]StoredUser, error) {
	return nil, s.err
}

func TestReconcileReturnsDefaultsWhenStoreFails(t *testing.T) {
	storeErr := errors.New("disk on fire")
	service := newTestService(t, failingStore{err: storeErr})

	prefs, err := service.Reconcile(context.Background(), "u-1", discord.AuthorSnapshot{Username: "wren"})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "preferences.reconcile.store_read_failed" {
		t.Fatalf("unexpected service error %v", err)
	}
	if len(prefs.NameStrategies) == 0 || prefs.NameStrategies[len(prefs.NameStrategies)-1] != UsernameStrategy() {
		t.Fatalf("expected usable default preferences, got %+v", prefs)
	}
}

func TestUpdatePreferencesNormalizesAndKeepsSnapshot(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store)
	ctx := context.Background()
	snapshot := discord.AuthorSnapshot{Username: "wren", Discriminator: "0"}
	if _, err := service.Reconcile(ctx, "u-1", snapshot); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	updated, err := service.UpdatePreferences(ctx, "u-1", Preferences{
		NameStrategies: []NameStrategy{NameOf(NameIntegrationGroupMembers)},
		Integration:    &IntegrationConfig{LookupID: "abcde"},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(updated.NameStrategies) != 2 || len(updated.AvatarStrategies) != 1 {
		t.Fatalf("expected normalized preferences, got %+v", updated)
	}

	record, err := service.Load(ctx, "u-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if record.AuthorSnapshot != snapshot {
		t.Fatalf("snapshot changed by preference edit: %+v", record.AuthorSnapshot)
	}
	if record.Preferences.Integration == nil || record.Preferences.Integration.LookupID != "abcde" {
		t.Fatalf("integration config not stored: %+v", record.Preferences.Integration)
	}
}

func TestUpdatePreferencesRejectsUnknownUser(t *testing.T) {
	service := newTestService(t, newTestStore(t))
	_, err := service.UpdatePreferences(context.Background(), "ghost", Default())
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestListReturnsEveryStoredUser(t *testing.T) {
	store := newTestStore(t)
	service := newTestService(t, store)
	ctx := context.Background()
	for _, id := range []string{"u-2", "u-1", "u-3"} {
		if _, err := service.Reconcile(ctx, id, discord.AuthorSnapshot{Username: id}); err != nil {
			t.Fatalf("reconcile %s: %v", id, err)
		}
	}

	users, err := service.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for index, want := range []string{"u-1", "u-2", "u-3"} {
		if users[index].UserID != want {
			t.Fatalf("user %d = %s, want %s", index, users[index].UserID, want)
		}
	}
}
