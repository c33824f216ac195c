package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/avatars"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	defaultAttachmentMaxBytes int64 = 25 << 20

	// AttachmentURLPrefix is the HTTP path under which stored attachments are served.
	AttachmentURLPrefix = "/attachments/"
)

var (
	errMissingAttachmentDir = errors.New("attachment directory is required")

	// ErrAttachmentNotFound indicates no stored attachment has the requested name.
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// LocalAttachment is an attachment copied to local storage for the presentation layer.
// Path stays on the bridge; hosts download the bytes from URL.
type LocalAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Path        string `json:"-"`
	ContentType string `json:"content_type"`
	Extension   string `json:"extension"`
}

// AttachmentFetcher copies a remote attachment to local storage.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, attachment discord.Attachment) (LocalAttachment, error)
}

// DiskAttachments downloads attachments into a directory.
type DiskAttachments struct {
	dir      string
	client   *http.Client
	maxBytes int64
}

// NewDiskAttachments creates dir if needed and returns a fetcher writing into it.
func NewDiskAttachments(dir string, client *http.Client, maxBytes int64) (*DiskAttachments, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errMissingAttachmentDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = defaultAttachmentMaxBytes
	}
	return &DiskAttachments{dir: dir, client: client, maxBytes: maxBytes}, nil
}

// Fetch downloads the attachment proxy URL and stores it under a name derived from its id.
func (d *DiskAttachments) Fetch(ctx context.Context, attachment discord.Attachment) (LocalAttachment, error) {
	if strings.TrimSpace(attachment.ProxyURL) == "" {
		return LocalAttachment{}, fmt.Errorf("attachment %s has no url", attachment.ID)
	}
	body, contentType, err := avatars.FetchBytes(ctx, d.client, attachment.ProxyURL, d.maxBytes)
	if err != nil {
		return LocalAttachment{}, err
	}
	declared := mediaTypeOf(attachment.ContentType)
	if declared != "" {
		contentType = declared
	}
	extension := extensionFor(contentType, body)

	file, err := os.CreateTemp(d.dir, ".attachment-*")
	if err != nil {
		return LocalAttachment{}, fmt.Errorf("create attachment file: %w", err)
	}
	tempPath := file.Name()
	if _, err := file.Write(body); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return LocalAttachment{}, fmt.Errorf("write attachment: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return LocalAttachment{}, fmt.Errorf("close attachment: %w", err)
	}
	name := safeFileName(attachment.ID) + extension
	finalPath := filepath.Join(d.dir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return LocalAttachment{}, fmt.Errorf("store attachment: %w", err)
	}
	return LocalAttachment{
		ID:          attachment.ID,
		Name:        name,
		URL:         AttachmentURLPrefix + name,
		Path:        finalPath,
		ContentType: contentType,
		Extension:   extension,
	}, nil
}

// Resolve maps a served attachment name to its file. Names that are not plain
// file names in the attachment directory, including in-progress temp files, are not found.
func (d *DiskAttachments) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrAttachmentNotFound
	}
	path := filepath.Join(d.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrAttachmentNotFound
		}
		return "", fmt.Errorf("stat attachment: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrAttachmentNotFound
	}
	return path, nil
}

// Prune removes stored files last written before cutoff and returns how many were removed.
func (d *DiskAttachments) Prune(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("list attachments: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove attachment %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// RunPruner prunes files older than maxAge every interval until ctx ends.
func (d *DiskAttachments) RunPruner(ctx context.Context, interval, maxAge time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := d.Prune(now.Add(-maxAge))
			if err != nil {
				logger.Warn("attachment pruning failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("pruned attachments", zap.Int("removed", removed))
			}
		}
	}
}

// eligibleAttachment reports whether the attachment is a dimensioned image of a known type.
func eligibleAttachment(attachment discord.Attachment) bool {
	if attachment.Width == nil {
		return false
	}
	mediaType := mediaTypeOf(attachment.ContentType)
	if !strings.HasPrefix(mediaType, "image/") {
		return false
	}
	return mimetype.Lookup(mediaType) != nil
}

func mediaTypeOf(contentType *string) string {
	if contentType == nil {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(*contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func extensionFor(contentType string, body []byte) string {
	if known := mimetype.Lookup(contentType); known != nil && known.Extension() != "" {
		return known.Extension()
	}
	return mimetype.Detect(body).Extension()
}

func safeFileName(id string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, id)
	if cleaned == "" {
		return "attachment"
	}
	return cleaned
}
