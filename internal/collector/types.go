package collector

import (
	"fmt"
	"strings"
	"time"
)

// SourceRecord is the tracked state for one URL.
type SourceRecord struct {
	URL          string    `json:"url"`
	LastModified time.Time `json:"last_modified,omitempty"`
	ETag         string    `json:"etag"`
	ContentHash  string    `json:"content_hash"`
	DocumentID   string    `json:"document_id"`
}

// Kind selects the collector variant for a source.
type Kind string

// Supported source kinds.
const (
	KindWeb       Kind = "web"
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// PostProcess names the transform applied to raw bytes before storage.
type PostProcess string

// Supported post-processing directives.
const (
	PostProcessNone              PostProcess = "none"
	PostProcessDecompress        PostProcess = "decompress"
	PostProcessDecompressArchive PostProcess = "decompress-archive"
)

// ParsePostProcess normalises a configured directive. The legacy names "unzip" and "tar-unzip"
// are accepted as aliases.
func ParsePostProcess(raw string) (PostProcess, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return PostProcessNone, nil
	case "decompress", "unzip":
		return PostProcessDecompress, nil
	case "decompress-archive", "tar-unzip":
		return PostProcessDecompressArchive, nil
	default:
		return "", fmt.Errorf("unknown post-process directive %q", raw)
	}
}

// MessageMode controls whether a notification carries content or a document reference.
type MessageMode string

// Message payload modes.
const (
	MessageModeReference MessageMode = "reference"
	MessageModeInline    MessageMode = "inline"
)

// SourceConfig is the static description of one configured source.
type SourceConfig struct {
	URI         string      `json:"source_uri" mapstructure:"source-uri"`
	Kind        Kind        `json:"type" mapstructure:"type"`
	ContentType string      `json:"content_type" mapstructure:"content-type"`
	DataType    string      `json:"data_type" mapstructure:"data-type"`
	Name        string      `json:"source_name" mapstructure:"source-name"`
	PostProcess PostProcess `json:"post_process" mapstructure:"post-process"`
	Force       bool        `json:"force" mapstructure:"force"`
	MessageMode MessageMode `json:"message_mode,omitempty" mapstructure:"message-mode"`
}

// Label returns the name used in logs and metrics.
func (s SourceConfig) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URI
}

// Payload is one unit of content produced by a Source for the pipeline.
type Payload struct {
	URL         string
	FinalURL    string
	DocumentID  string
	ContentType string
	FileName    string
	Raw         []byte
	IsNew       bool
}

// FetchResult is what a full GET of a web source yields.
type FetchResult struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	ContentType  string
	LastModified time.Time
	ETag         string
	Body         []byte
	Duration     time.Duration
}

// Redirected reports whether the transport ended on a different URL than requested.
func (r FetchResult) Redirected() bool {
	return r.FinalURL != "" && !strings.EqualFold(r.FinalURL, r.RequestedURL)
}

// Document is the unit handed to a DocumentStore.
type Document struct {
	ID          string
	Content     []byte
	ContentType string
	Metadata    map[string]string
}

// Message header keys published with every notification.
const (
	HeaderContentType = "contentType"
	HeaderDataType    = "dataType"
	HeaderSourceName  = "sourceName"
	HeaderSourceURL   = "sourceUrl"
	HeaderPayloadMode = "payloadMode"
	HeaderDocumentID  = "documentId"
	HeaderFileName    = "fileName"
)

// Message is a notification on the bus.
type Message struct {
	Headers map[string]string
	Payload []byte
}

// Inline reports whether the payload carries content rather than a document id.
func (m Message) Inline() bool {
	return m.Headers[HeaderPayloadMode] == string(MessageModeInline)
}

// Task is one scheduled collection attempt.
type Task struct {
	Source    SourceConfig
	Submitted time.Time
}
