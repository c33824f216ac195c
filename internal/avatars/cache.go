// Package avatars caches avatar images by subject and avatar version.
package avatars

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshness is how long cached bytes are served before the CDN is asked again.
const DefaultFreshness = 24 * time.Hour

const defaultFetchTimeout = 10 * time.Second

const (
	resultFresh         = "fresh"
	resultFetched       = "fetched"
	resultRefreshed     = "refreshed"
	resultStaleFallback = "stale_fallback"
	resultMissFailed    = "miss_failed"
)

var (
	// ErrNoAvatar indicates that nothing is cached for the key and the download failed.
	ErrNoAvatar = errors.New("avatars: no avatar available")
	// ErrInvalidKey indicates an empty subject or url.
	ErrInvalidKey = errors.New("avatars: subject and url are required")

	errMissingStore      = errors.New("avatar store is required")
	errMissingDownloader = errors.New("avatar downloader is required")
)

// Avatar is an opaque image with its declared content type.
type Avatar struct {
	Bytes       []byte
	ContentType string
}

// Entry is one cached avatar; (SubjectID, AvatarVersion) is unique.
type Entry struct {
	SubjectID     string
	AvatarVersion string
	Bytes         []byte
	ContentType   string
	FetchedAt     time.Time
}

func (e Entry) avatar() Avatar {
	return Avatar{Bytes: e.Bytes, ContentType: e.ContentType}
}

// Store persists cache entries. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, subjectID, avatarVersion string) (Entry, bool, error)
	Upsert(ctx context.Context, entry Entry) error
}

// Downloader retrieves avatar bytes from a remote URL.
type Downloader interface {
	Download(ctx context.Context, url string) (Avatar, error)
}

// CacheConfig describes the dependencies of the avatar cache.
type CacheConfig struct {
	Store        Store
	Downloader   Downloader
	Freshness    time.Duration
	FetchTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Cache serves avatars from the store while fresh, refreshes stale entries,
// and falls back to stored bytes of the same version when a refresh fails.
type Cache struct {
	store        Store
	downloader   Downloader
	freshness    time.Duration
	fetchTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	flights      singleflight.Group
}

// NewCache validates dependencies and constructs a cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Downloader == nil {
		return nil, errMissingDownloader
	}
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:        cfg.Store,
		downloader:   cfg.Downloader,
		freshness:    freshness,
		fetchTimeout: fetchTimeout,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Fetch returns the avatar for (subjectID, avatarVersion), downloading url when the
// cached copy is missing or older than the freshness window.
func (c *Cache) Fetch(ctx context.Context, subjectID, avatarVersion, url string) (Avatar, error) {
	subjectID = strings.TrimSpace(subjectID)
	url = strings.TrimSpace(url)
	if subjectID == "" || url == "" {
		return Avatar{}, ErrInvalidKey
	}

	// Local reads ignore the delivery deadline so a stale copy can still be served after it.
	storeCtx := context.WithoutCancel(ctx)
	cached, found, err := c.store.Get(storeCtx, subjectID, avatarVersion)
	if err != nil {
		c.logger.Warn("avatar cache read failed",
			zap.String("subject_id", subjectID),
			zap.String("avatar_version", avatarVersion),
			zap.Error(err))
		found = false
	}
	if found && c.isFresh(cached) {
		metrics.AvatarCacheResults.WithLabelValues(resultFresh).Inc()
		return cached.avatar(), nil
	}

	var downloaded Avatar
	fetchErr := ctx.Err()
	if fetchErr == nil {
		downloaded, fetchErr = c.refresh(ctx, subjectID, avatarVersion, url)
	}
	if fetchErr == nil {
		if found {
			metrics.AvatarCacheResults.WithLabelValues(resultRefreshed).Inc()
		} else {
			metrics.AvatarCacheResults.WithLabelValues(resultFetched).Inc()
		}
		return downloaded, nil
	}

	if found {
		metrics.AvatarCacheResults.WithLabelValues(resultStaleFallback).Inc()
		c.logger.Debug("serving stale avatar after refresh failure",
			zap.String("subject_id", subjectID),
			zap.String("avatar_version", avatarVersion),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(fetchErr))
		return cached.avatar(), nil
	}
	metrics.AvatarCacheResults.WithLabelValues(resultMissFailed).Inc()
	return Avatar{}, fmt.Errorf("%w: %w", ErrNoAvatar, fetchErr)
}

func (c *Cache) isFresh(entry Entry) bool {
	age := c.clock().Sub(entry.FetchedAt)
	return age >= 0 && age < c.freshness
}

// refresh collapses concurrent misses for one key into a single download. The shared
// download runs on its own timeout; each caller stops waiting when its own context ends.
func (c *Cache) refresh(ctx context.Context, subjectID, avatarVersion, url string) (Avatar, error) {
	key := subjectID + "\x00" + avatarVersion
	flight := c.flights.DoChan(key, func() (any, error) {
		downloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		downloaded, err := c.downloader.Download(downloadCtx, url)
		if err != nil {
			return Avatar{}, err
		}
		if len(downloaded.Bytes) == 0 {
			return Avatar{}, errors.New("empty avatar body")
		}
		entry := Entry{
			SubjectID:     subjectID,
			AvatarVersion: avatarVersion,
			Bytes:         downloaded.Bytes,
			ContentType:   downloaded.ContentType,
			FetchedAt:     c.clock().UTC(),
		}
		if err := c.store.Upsert(context.WithoutCancel(ctx), entry); err != nil {
			c.logger.Warn("avatar cache write failed",
				zap.String("subject_id", subjectID),
				zap.String("avatar_version", avatarVersion),
				zap.Error(err))
		}
		return downloaded, nil
	})

	select {
	case result := <-flight:
		if result.Err != nil {
			return Avatar{}, result.Err
		}
		return result.Val.(Avatar), nil
	case <-ctx.Done():
		return Avatar{}, ctx.Err()
	}
}
