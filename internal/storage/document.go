// Package storage holds helpers shared by the DocumentStore implementations: object naming and
// the metadata sidecar format.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// ErrNotFound is returned by Fetch for an unknown document id.
var ErrNotFound = errors.New("document not found")

// ObjectKey returns the object name for a document id under prefix.
func ObjectKey(prefix, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return id, nil
	}
	return path.Join(prefix, id), nil
}

// ValidateID rejects ids that could escape a key namespace.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("document id is required")
	case strings.ContainsAny(id, `/\`), id == ".", id == "..":
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}

// Sidecar is the metadata persisted next to document content by stores without native object
// metadata.
type Sidecar struct {
	ID          string            `json:"id"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EncodeSidecar serialises a document's descriptive fields.
func EncodeSidecar(doc collector.Document) ([]byte, error) {
	data, err := json.Marshal(Sidecar{ID: doc.ID, ContentType: doc.ContentType, Metadata: doc.Metadata})
	if err != nil {
		return nil, fmt.Errorf("encode sidecar: %w", err)
	}
	return data, nil
}

// DecodeSidecar restores a document around content.
func DecodeSidecar(data, content []byte) (collector.Document, error) {
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return collector.Document{}, fmt.Errorf("decode sidecar: %w", err)
	}
	return collector.Document{ID: sc.ID, Content: content, ContentType: sc.ContentType, Metadata: sc.Metadata}, nil
}

// CloneMetadata copies md so stores never alias caller maps.
func CloneMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
