package avatars

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes caps a single avatar download.
const DefaultMaxBytes int64 = 8 << 20

// ErrTooLarge indicates the remote image exceeded the configured size cap.
var ErrTooLarge = errors.New("avatars: image exceeds size limit")

// HTTPDownloader fetches avatars from a CDN with plain GET requests.
type HTTPDownloader struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPDownloader constructs a downloader; a nil client means http.DefaultClient.
func NewHTTPDownloader(client *http.Client, maxBytes int64) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPDownloader{client: client, maxBytes: maxBytes}
}

// Download retrieves url. Non-2xx responses and oversized bodies are errors.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (Avatar, error) {
	body, contentType, err := FetchBytes(ctx, d.client, url, d.maxBytes)
	if err != nil {
		return Avatar{}, err
	}
	metrics.AvatarDownloadBytes.Observe(float64(len(body)))
	return Avatar{Bytes: body, ContentType: contentType}, nil
}

// FetchBytes performs a size-capped GET and returns the body with its content type.
// The declared Content-Type wins; otherwise the type is sniffed from the bytes.
func FetchBytes(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("download %s: unexpected status %s", url, response.Status)
	}
	if response.ContentLength > maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, response.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return body, contentTypeOf(response.Header.Get("Content-Type"), body), nil
}

func contentTypeOf(header string, body []byte) string {
	if mediaType, _, err := mime.ParseMediaType(header); err == nil {
		mediaType = strings.ToLower(mediaType)
		if mediaType != "" && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	detected := mimetype.Detect(body).String()
	if mediaType, _, err := mime.ParseMediaType(detected); err == nil {
		return mediaType
	}
	return detected
}
