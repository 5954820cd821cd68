// Package storage persists uploaded attachments on disk and serves
// them back by name. Stored names are server-generated and unique;
// client-supplied names only contribute their extension.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports that no stored file exists under the given name.
var ErrNotFound = errors.New("file not found")

// Store writes attachment bytes to a single directory and builds
// public URLs for them.
type Store struct {
	path    string
	baseURL string
	logger  *slog.Logger
}

// NewStore creates the storage directory if needed. baseURL is the
// public prefix under which stored names resolve.
func NewStore(path, baseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{
		path:    path,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "storage"),
	}, nil
}

// Save writes data under a unique generated name (UTC timestamp plus
// UUID, keeping the original extension) and returns that name.
func (s *Store) Save(fileName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	unique := fmt.Sprintf("%s_%s%s",
		time.Now().UTC().Format("20060102_150405"),
		strings.ReplaceAll(uuid.NewString(), "-", ""),
		ext,
	)

	if err := os.WriteFile(filepath.Join(s.path, unique), data, 0o644); err != nil {
		return "", fmt.Errorf("save file %s: %w", fileName, err)
	}

	s.logger.Info("file saved", "original", fileName, "stored", unique, "bytes", len(data))
	return unique, nil
}

// Get reads back a stored file by its generated name. The name is
// sanitized to its base component so callers cannot traverse out of
// the storage directory.
func (s *Store) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.path, filepath.Base(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read file %s: %w", name, err)
	}
	return data, nil
}

// Delete removes a stored file. Returns false without error when the
// file was already gone.
func (s *Store) Delete(name string) (bool, error) {
	err := os.Remove(filepath.Join(s.path, filepath.Base(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete file %s: %w", name, err)
	}
	s.logger.Info("file deleted", "stored", name)
	return true, nil
}

// URL returns the public URL for a stored name.
func (s *Store) URL(name string) string {
	return s.baseURL + "/" + name
}

// ContentType resolves a MIME type from a file name's extension,
// defaulting to application/octet-stream.
func ContentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".ppt":
		return "application/vnd.ms-powerpoint"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	default:
		return "application/octet-stream"
	}
}
