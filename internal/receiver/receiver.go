// Package receiver consumes collector notifications and materialises the referenced content as
// files in a target directory.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metrics"
	"github.com/JakeFAU/source-collector/internal/storage"
)

// ErrInvalidFileName marks a message whose file name would escape the target directory.
var ErrInvalidFileName = errors.New("invalid file name")

// Receiver writes each received document to Dir.
type Receiver struct {
	docs   collector.DocumentStore
	dir    string
	logger *zap.Logger
}

// New creates the target directory when needed. docs resolves reference-mode payloads and may
// be nil when only inline messages are expected.
func New(docs collector.DocumentStore, dir string, logger *zap.Logger) (*Receiver, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("receiver directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create receiver directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{docs: docs, dir: filepath.Clean(dir), logger: logger}, nil
}

// Run blocks on sub until ctx is done.
func (r *Receiver) Run(ctx context.Context, sub collector.Subscriber) error {
	r.logger.Info("receiver started", zap.String("dir", r.dir))
	defer r.logger.Info("receiver stopped")
	return sub.Receive(ctx, r.Handle)
}

// Handle writes one message. Messages that can never succeed are logged and dropped so the bus
// does not redeliver them; transient failures are returned.
func (r *Receiver) Handle(ctx context.Context, msg collector.Message) error {
	name, err := FileName(msg)
	if err != nil {
		r.reject(msg, err)
		return nil
	}

	content := msg.Payload
	if !msg.Inline() {
		id := msg.Headers[collector.HeaderDocumentID]
		if id == "" {
			id = string(msg.Payload)
		}
		if r.docs == nil {
			r.reject(msg, fmt.Errorf("no document store configured for reference payload %s", id))
			return nil
		}
		doc, err := r.docs.Fetch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			r.reject(msg, err)
			return nil
		}
		if err != nil {
			metrics.ObserveMessageReceived("error")
			return fmt.Errorf("fetch document %s: %w", id, err)
		}
		content = doc.Content
	}

	path := filepath.Join(r.dir, name)
	if err := writeFile(path, content); err != nil {
		metrics.ObserveMessageReceived("error")
		return err
	}
	metrics.ObserveMessageReceived("written")
	r.logger.Info("document written",
		zap.String("file", path),
		zap.String("document_id", msg.Headers[collector.HeaderDocumentID]),
		zap.Int("bytes", len(content)),
	)
	return nil
}

func (r *Receiver) reject(msg collector.Message, err error) {
	metrics.ObserveMessageReceived("rejected")
	r.logger.Warn("dropping message",
		zap.String("document_id", msg.Headers[collector.HeaderDocumentID]),
		zap.String("source", msg.Headers[collector.HeaderSourceName]),
		zap.Error(err),
	)
}

// FileName picks the output name: the fileName header when present, otherwise
// <sourceName>-<documentId>.
func FileName(msg collector.Message) (string, error) {
	name := msg.Headers[collector.HeaderFileName]
	if name == "" {
		source := msg.Headers[collector.HeaderSourceName]
		id := msg.Headers[collector.HeaderDocumentID]
		if source == "" || id == "" {
			return "", fmt.Errorf("%w: message has neither %s nor %s/%s headers",
				ErrInvalidFileName, collector.HeaderFileName, collector.HeaderSourceName, collector.HeaderDocumentID)
		}
		name = source + "-" + id
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return name, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".receive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
