// Package gcs provides a DocumentStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	docstore "github.com/JakeFAU/source-collector/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DocumentStore writes documents to a configured GCS bucket. Descriptive fields travel as
// object metadata.
type DocumentStore struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a GCS-backed document store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

// Open builds a client using Application Default Credentials and fails fast when the bucket is
// not reachable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close GCS client after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	return New(client, cfg, logger)
}

// Store uploads the document, replacing any existing object with the same id.
func (s *DocumentStore) Store(ctx context.Context, doc collector.Document) error {
	key, err := docstore.ObjectKey(s.prefix, doc.ID)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if doc.ContentType != "" {
		writer.ContentType = doc.ContentType
	}
	writer.Metadata = docstore.CloneMetadata(doc.Metadata)
	if _, err := writer.Write(doc.Content); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			s.logger.Warn("failed to close GCS writer after write failure", zap.String("object", key), zap.Error(closeErr))
		}
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Fetch downloads the document with id.
func (s *DocumentStore) Fetch(ctx context.Context, id string) (collector.Document, error) {
	key, err := docstore.ObjectKey(s.prefix, id)
	if err != nil {
		return collector.Document{}, err
	}
	obj := s.client.Bucket(s.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return collector.Document{}, mapErr(id, err)
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return collector.Document{}, mapErr(id, err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			s.logger.Warn("failed to close GCS reader", zap.String("object", key), zap.Error(closeErr))
		}
	}()
	content, err := io.ReadAll(reader)
	if err != nil {
		return collector.Document{}, fmt.Errorf("read object %s: %w", key, err)
	}
	return collector.Document{
		ID:          id,
		Content:     content,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
	}, nil
}

// Close releases the underlying client.
func (s *DocumentStore) Close() error {
	return s.client.Close()
}

func mapErr(id string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("fetch %s: %w", id, docstore.ErrNotFound)
	}
	return fmt.Errorf("fetch %s: %w", id, err)
}
