// Package local implements a local filesystem document store: content in <base>/<prefix>/<id>
// and descriptive fields in a JSON sidecar <id>.json.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/storage"
)

const sidecarSuffix = ".json"

// Config captures the parameters for the local filesystem document store.
type Config struct {
	// BaseDir is the root directory where documents will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

// DocumentStore writes documents to the local filesystem.
type DocumentStore struct {
	baseDir string
	prefix  string
}

// New creates a local filesystem document store, creating BaseDir if needed.
func New(cfg Config) (*DocumentStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable_test")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &DocumentStore{baseDir: filepath.Clean(cfg.BaseDir), prefix: cfg.Prefix}, nil
}

// Store writes the content and its sidecar. Writes go through a temp file and rename so readers
// never see partial content.
func (s *DocumentStore) Store(_ context.Context, doc collector.Document) error {
	contentPath, err := s.pathFor(doc.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(contentPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	sidecar, err := storage.EncodeSidecar(doc)
	if err != nil {
		return err
	}
	if err := writeAtomic(contentPath, doc.Content); err != nil {
		return err
	}
	return writeAtomic(contentPath+sidecarSuffix, sidecar)
}

// Fetch reads a stored document.
func (s *DocumentStore) Fetch(_ context.Context, id string) (collector.Document, error) {
	contentPath, err := s.pathFor(id)
	if err != nil {
		return collector.Document{}, err
	}
	content, err := os.ReadFile(contentPath)
	if errors.Is(err, fs.ErrNotExist) {
		return collector.Document{}, fmt.Errorf("fetch %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return collector.Document{}, fmt.Errorf("read content: %w", err)
	}
	sidecar, err := os.ReadFile(contentPath + sidecarSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return collector.Document{ID: id, Content: content}, nil
	}
	if err != nil {
		return collector.Document{}, fmt.Errorf("read sidecar: %w", err)
	}
	return storage.DecodeSidecar(sidecar, content)
}

func (s *DocumentStore) pathFor(id string) (string, error) {
	key, err := storage.ObjectKey(s.prefix, id)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
