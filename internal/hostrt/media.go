package hostrt

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hrygo/wristclaw-gateway/internal/fetchutil"
)

// MediaHandler fetches remote media referenced by inbound messages and
// saves it to local storage, adapted from the chat-apps media client's
// pooled-transport conventions — trimmed to the gateway's actual need, since
// voice transcription and image text-extraction are the Server's job
// (delivered as voice:transcribed / contentType:"interactive" events), not a
// local processing concern of this core.
type MediaHandler struct {
	storageDir string
	fetch      *fetchutil.Client
}

// NewMediaHandler creates a MediaHandler that saves fetched media under
// storageDir.
func NewMediaHandler(storageDir string) *MediaHandler {
	return &MediaHandler{
		storageDir: storageDir,
		fetch: &fetchutil.Client{
			HTTP: &http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        10,
					MaxIdleConnsPerHost: 5,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		},
	}
}

// FetchRemoteMediaOptions bounds a single media fetch.
type FetchRemoteMediaOptions struct {
	URL      string
	MaxBytes int64
}

// FetchRemoteMedia downloads url, capped at MaxBytes, returning the raw
// bytes and the server-reported content type.
func (h *MediaHandler) FetchRemoteMedia(ctx context.Context, opts FetchRemoteMediaOptions) ([]byte, string, error) {
	resp, err := h.fetch.Do(ctx, opts.URL, fetchutil.Options{Method: http.MethodGet, Timeout: 20 * time.Second})
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	limit := opts.MaxBytes
	if limit <= 0 {
		limit = 10 << 20 // 10 MiB default cap per §4.6 step 8
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media exceeds %d byte cap", limit)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// SaveMediaBuffer writes buf to local storage under a content-addressed
// filename, in the given logical bucket ("inbound", "outbound"), returning
// the saved path.
func (h *MediaHandler) SaveMediaBuffer(buf []byte, contentType, bucket string) (string, error) {
	dir := filepath.Join(h.storageDir, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	sum := sha1.Sum(buf)
	name := hex.EncodeToString(sum[:]) + extensionFor(contentType)
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); err == nil {
		return path, nil // already saved — content-addressed, so this is the same bytes
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
