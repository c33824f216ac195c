package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/discord"
	"github.com/MarcoPoloResearchLab/notifybridge/internal/pipeline"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// downloadingPipeline stores the first attachment the way the orchestrator does.
type downloadingPipeline struct {
	t       *testing.T
	fetcher pipeline.AttachmentFetcher
}

func (p downloadingPipeline) Process(ctx context.Context, message discord.Message) pipeline.ResolvedNotification {
	result := pipeline.ResolvedNotification{RunID: "run-attachment", Body: message.Content}
	if len(message.Attachments) == 0 {
		return result
	}
	local, err := p.fetcher.Fetch(ctx, message.Attachments[0])
	if err != nil {
		p.t.Errorf("fetch attachment: %v", err)
		return result
	}
	result.Attachment = &local
	return result
}

// newAttachmentServer returns a server whose pipeline stores attachments in dir,
// and a message carrying one image attachment.
func newAttachmentServer(t *testing.T, dir string, tokens TokenValidator) (testServer, string) {
	t.Helper()
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(cdn.Close)

	store, err := pipeline.NewDiskAttachments(dir, cdn.Client(), 0)
	if err != nil {
		t.Fatalf("attachments: %v", err)
	}
	message := `{"id":"m1","channel_id":"c1","content":"look","author":{"id":"42","username":"kit"},` +
		`"attachments":[{"id":"a1","proxy_url":"` + cdn.URL + `/a1.png","content_type":"image/png","width":1}]}`
	server := newTestServer(t, tokens, func(deps *Dependencies) {
		deps.Pipeline = downloadingPipeline{t: t, fetcher: store}
		deps.Attachments = store
	})
	return server, message
}

func TestNotificationAttachmentIsDownloadableFromResponseURL(t *testing.T) {
	dir := t.TempDir()
	server, message := newAttachmentServer(t, dir, nil)

	response := server.do(http.MethodPost, "/notifications", message)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	if strings.Contains(response.Body.String(), dir) {
		t.Fatalf("response must not expose local paths: %s", response.Body.String())
	}
	var payload pipeline.ResolvedNotification
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Attachment == nil || payload.Attachment.URL == "" {
		t.Fatalf("expected attachment url, got %+v", payload.Attachment)
	}

	download := server.do(http.MethodGet, payload.Attachment.URL, "")
	if download.Code != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d", payload.Attachment.URL, download.Code)
	}
	if !bytes.Equal(download.Body.Bytes(), pngBytes) {
		t.Fatalf("unexpected attachment bytes %q", download.Body.Bytes())
	}
	if contentType := download.Header().Get("Content-Type"); contentType != "image/png" {
		t.Fatalf("unexpected content type %q", contentType)
	}
}

func TestAttachmentDownloadRequiresToken(t *testing.T) {
	server, _ := newAttachmentServer(t, t.TempDir(), stubTokenValidator{subject: "phone"})

	response := server.do(http.MethodGet, pipeline.AttachmentURLPrefix+"a1.png", "")
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestAttachmentDownloadRejectsUnknownNames(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	server, _ := newAttachmentServer(t, filepath.Join(root, "attachments"), nil)

	for _, path := range []string{
		pipeline.AttachmentURLPrefix + "missing.png",
		pipeline.AttachmentURLPrefix + "..%2Fsecret.txt",
	} {
		response := server.do(http.MethodGet, path, "")
		if response.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, response.Code)
		}
		if strings.Contains(response.Body.String(), "secret") {
			t.Fatalf("leaked file contents for %s", path)
		}
	}
}

func TestAttachmentDownloadWithoutStoreIsNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	response := server.do(http.MethodGet, pipeline.AttachmentURLPrefix+"a1.png", "")
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}
