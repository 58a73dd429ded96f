package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// Directory collects every top-level regular file of a local directory.
type Directory struct {
	file   *File
	logger *zap.Logger
}

// NewDirectory constructs a Directory source that delegates each file to file.
func NewDirectory(file *File, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{file: file, logger: logger.Named("directory")}
}

// Collect lists src.URI non-recursively in name order. Unreadable files are logged and skipped.
func (d *Directory) Collect(ctx context.Context, src collector.SourceConfig) ([]collector.Payload, error) {
	dir, err := localPath(src.URI)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, src.URI, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, src.URI, fmt.Errorf("stat directory: %w", err))
	}
	if !info.IsDir() {
		return nil, collector.NewError(collector.KindTransport, src.URI, fmt.Errorf("%s is not a directory", dir))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, src.URI, fmt.Errorf("list directory: %w", err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []collector.Payload
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := d.file.collectPath(ctx, path, path, src)
		if err != nil {
			if ctx.Err() != nil {
				return out, collector.NewError(collector.KindTransport, src.URI, ctx.Err())
			}
			d.logger.Warn("skipping unreadable file",
				zap.String("source", src.Label()), zap.String("url", path), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	d.logger.Info("directory listed",
		zap.String("source", src.Label()), zap.String("url", src.URI), zap.Int("files", len(out)))
	return out, nil
}
