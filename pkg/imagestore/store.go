// Package imagestore persists inline image payloads from vision requests so
// the upstream can fetch them by URL. Files are transient: a sweep removes
// anything older than the configured retention.
package imagestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Store writes uploads under Dir and derives their public URLs.
type Store struct {
	dir       string
	baseURL   string
	retention time.Duration
	log       *log.Logger
}

func New(dir, baseURL string, retention time.Duration, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	if retention <= 0 {
		retention = time.Minute
	}
	return &Store{
		dir:       dir,
		baseURL:   strings.TrimRight(baseURL, "/"),
		retention: retention,
		log:       logger,
	}
}

// Dir returns the directory uploads are written to.
func (s *Store) Dir() string { return s.dir }

// SaveDataURL decodes a data: URL and persists it exactly once under a
// unique name, returning the derived public URL. The declared MIME subtype
// picks the extension; anything that is not PNG is stored as JPEG.
func (s *Store) SaveDataURL(dataURL string) (string, error) {
	parts := strings.SplitN(dataURL, "base64,", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("image data url has no base64 payload")
	}
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode image payload: %w", err)
	}

	ext := "jpg"
	if strings.HasPrefix(dataURL, "data:image/png") {
		ext = "png"
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s", uuid.New().String(), ext)
	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	url := fmt.Sprintf("%s/images/%s", s.baseURL, name)
	s.log.Debug("persisted inline image", "file", name, "url", url)
	return url, nil
}

// Sweep deletes files older than the retention window.
func (s *Store) Sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read image dir", "error", err)
		}
		return
	}
	cutoff := time.Now().Add(-s.retention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn("remove stale image", "file", entry.Name(), "error", err)
			} else {
				s.log.Debug("removed stale image", "file", entry.Name())
			}
		}
	}
}

// Run sweeps periodically until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
