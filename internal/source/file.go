package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// File reads one local file. Every read is new content with a fresh id.
type File struct {
	ids    collector.IDGenerator
	logger *zap.Logger
}

// NewFile constructs a File source.
func NewFile(ids collector.IDGenerator, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{ids: ids, logger: logger.Named("file")}
}

// Collect reads src.URI, which is a path or a file:// URI.
func (f *File) Collect(ctx context.Context, src collector.SourceConfig) ([]collector.Payload, error) {
	path, err := localPath(src.URI)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, src.URI, err)
	}
	p, err := f.collectPath(ctx, src.URI, path, src)
	if err != nil {
		return nil, err
	}
	return []collector.Payload{p}, nil
}

func (f *File) collectPath(ctx context.Context, uri, path string, src collector.SourceConfig) (collector.Payload, error) {
	if err := ctx.Err(); err != nil {
		return collector.Payload{}, collector.NewError(collector.KindTransport, uri, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return collector.Payload{}, collector.NewError(collector.KindTransport, uri, fmt.Errorf("read file: %w", err))
	}
	id, err := f.ids.NewID()
	if err != nil {
		return collector.Payload{}, collector.NewError(collector.KindTransport, uri, fmt.Errorf("assign id: %w", err))
	}
	f.logger.Debug("file read",
		zap.String("source", src.Label()), zap.String("url", uri),
		zap.Int("bytes", len(data)), zap.String("document_id", id))
	return collector.Payload{
		URL:         uri,
		DocumentID:  id,
		ContentType: src.ContentType,
		FileName:    filepath.Base(path),
		Raw:         data,
		IsNew:       true,
	}, nil
}

// localPath accepts plain paths and file:// URIs.
func localPath(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("empty source uri")
	}
	if !strings.HasPrefix(strings.ToLower(uri), "file:") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse file uri: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file uri %q names remote host %q", uri, u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file uri %q has no path", uri)
	}
	return filepath.FromSlash(u.Path), nil
}
