package preferences

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("preference store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "preferences.service.new"
	opReconcile         = "preferences.reconcile"
	opUpdatePreferences = "preferences.update_preferences"
	opLoad              = "preferences.load"
	opList              = "preferences.list"
	reasonMissingStore  = "missing_store"
	reasonInvalidUserID = "invalid_user_id"
	reasonStoreRead     = "store_read_failed"
	reasonStoreWrite    = "store_write_failed"
	reasonUserNotFound  = "user_not_found"
	writeReasonCreated  = "created"
	writeReasonDrift    = "snapshot_drift"
	writeReasonEdited   = "preferences_edited"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the preference service.
type ServiceConfig struct {
	Store  Store
	Logger *zap.Logger
}

// Service reconciles observed author metadata with stored preferences.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, logger: logger}, nil
}

// Reconcile returns the normalized preferences for the author, creating the record on first
// sight and replacing a drifted snapshot. Stored preferences are written back untouched.
func (s *Service) Reconcile(ctx context.Context, authorID string, observed discord.AuthorSnapshot) (Preferences, error) {
	authorID = strings.TrimSpace(authorID)
	if err := validateUserID(authorID); err != nil {
		return Default().Normalize(), newServiceError(opReconcile, reasonInvalidUserID, err)
	}

	record, found, err := s.store.Get(ctx, authorID)
	if err != nil {
		s.logError(opReconcile, reasonStoreRead, err, zap.String("user_id", authorID))
		return Default().Normalize(), newServiceError(opReconcile, reasonStoreRead, err)
	}

	if !found {
		defaults := Default()
		if err := s.store.Put(ctx, authorID, UserRecord{AuthorSnapshot: observed, Preferences: defaults}); err != nil {
			s.logError(opReconcile, reasonStoreWrite, err, zap.String("user_id", authorID))
			return defaults.Normalize(), newServiceError(opReconcile, reasonStoreWrite, err)
		}
		metrics.PreferenceWrites.WithLabelValues(writeReasonCreated).Inc()
		s.logger.Debug("user record created", zap.String("user_id", authorID), zap.String("author", observed.String()))
		return defaults.Normalize(), nil
	}

	if record.AuthorSnapshot != observed {
		updated := UserRecord{AuthorSnapshot: observed, Preferences: record.Preferences}
		if err := s.store.Put(ctx, authorID, updated); err != nil {
			s.logError(opReconcile, reasonStoreWrite, err, zap.String("user_id", authorID))
			return record.Preferences.Normalize(), newServiceError(opReconcile, reasonStoreWrite, err)
		}
		metrics.PreferenceWrites.WithLabelValues(writeReasonDrift).Inc()
		s.logger.Debug("author snapshot refreshed",
			zap.String("user_id", authorID),
			zap.String("previous", record.AuthorSnapshot.String()),
			zap.String("observed", observed.String()))
	}

	return record.Preferences.Normalize(), nil
}

// UpdatePreferences replaces the preferences of a known user, normalizing them first.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, prefs Preferences) (Preferences, error) {
	userID = strings.TrimSpace(userID)
	if err := validateUserID(userID); err != nil {
		return Preferences{}, newServiceError(opUpdatePreferences, reasonInvalidUserID, err)
	}
	record, found, err := s.store.Get(ctx, userID)
	if err != nil {
		s.logError(opUpdatePreferences, reasonStoreRead, err, zap.String("user_id", userID))
		return Preferences{}, newServiceError(opUpdatePreferences, reasonStoreRead, err)
	}
	if !found {
		return Preferences{}, newServiceError(opUpdatePreferences, reasonUserNotFound, ErrUserNotFound)
	}

	normalized := prefs.Normalize()
	record.Preferences = normalized
	if err := s.store.Put(ctx, userID, record); err != nil {
		s.logError(opUpdatePreferences, reasonStoreWrite, err, zap.String("user_id", userID))
		return Preferences{}, newServiceError(opUpdatePreferences, reasonStoreWrite, err)
	}
	metrics.PreferenceWrites.WithLabelValues(writeReasonEdited).Inc()
	return normalized, nil
}

// Load returns one record with normalized preferences.
func (s *Service) Load(ctx context.Context, userID string) (UserRecord, error) {
	record, found, err := s.store.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		s.logError(opLoad, reasonStoreRead, err, zap.String("user_id", userID))
		return UserRecord{}, newServiceError(opLoad, reasonStoreRead, err)
	}
	if !found {
		return UserRecord{}, newServiceError(opLoad, reasonUserNotFound, ErrUserNotFound)
	}
	record.Preferences = record.Preferences.Normalize()
	return record, nil
}

// List returns every stored user with normalized preferences.
func (s *Service) List(ctx context.Context) ([]StoredUser, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		s.logError(opList, reasonStoreRead, err)
		return nil, newServiceError(opList, reasonStoreRead, err)
	}
	for index := range users {
		users[index].Record.Preferences = users[index].Record.Preferences.Normalize()
	}
	return users, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("preferences service error", attrs...)
}
