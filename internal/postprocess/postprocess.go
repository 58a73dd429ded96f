// Package postprocess turns raw collected bytes into the content that gets stored: compressed
// payloads are inflated and archives are flattened into the concatenation of their files.
package postprocess

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// DefaultMaxOutput caps inflated output.
const DefaultMaxOutput int64 = 1 << 30

var (
	// ErrUnknownFormat means the bytes match no supported compression format.
	ErrUnknownFormat = errors.New("unrecognised compression format")
	// ErrEmptyArchive means an archive held no regular files.
	ErrEmptyArchive = errors.New("archive contains no files")
	// ErrOutputTooLarge means inflated output exceeded the configured cap.
	ErrOutputTooLarge = errors.New("decompressed output exceeds limit")
)

type format int

const (
	formatUnknown format = iota
	formatGzip
	formatZstd
	formatZlib
	formatBzip2
	formatZip
	formatTar
)

func (f format) String() string {
	switch f {
	case formatGzip:
		return "gzip"
	case formatZstd:
		return "zstd"
	case formatZlib:
		return "zlib"
	case formatBzip2:
		return "bzip2"
	case formatZip:
		return "zip"
	case formatTar:
		return "tar"
	default:
		return "unknown"
	}
}

// Processor implements collector.PostProcessor.
type Processor struct {
	maxOutput int64
}

// New returns a Processor capping output at maxOutput bytes (DefaultMaxOutput when <= 0).
func New(maxOutput int64) *Processor {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Processor{maxOutput: maxOutput}
}

// Apply transforms raw according to directive. The input slice is never modified.
func (p *Processor) Apply(directive collector.PostProcess, raw []byte) ([]byte, error) {
	switch directive {
	case "", collector.PostProcessNone:
		return raw, nil
	case collector.PostProcessDecompress:
		return p.decompress(raw)
	case collector.PostProcessDecompressArchive:
		return p.decompressArchive(raw)
	default:
		return nil, fmt.Errorf("unknown directive %q", directive)
	}
}

func (p *Processor) decompress(raw []byte) ([]byte, error) {
	f := detect(raw)
	if f == formatZip {
		return p.flattenZip(raw)
	}
	r, closeFn, err := openStream(f, raw)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return p.readAll(r, f)
}

func (p *Processor) decompressArchive(raw []byte) ([]byte, error) {
	f := detect(raw)
	switch f {
	case formatZip:
		return p.flattenZip(raw)
	case formatTar:
		return p.flattenTar(bytes.NewReader(raw))
	}
	r, closeFn, err := openStream(f, raw)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return p.flattenTar(r)
}

func (p *Processor) readAll(r io.Reader, f format) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, p.maxOutput+1))
	if err != nil {
		return nil, fmt.Errorf("inflate %s: %w", f, err)
	}
	if int64(len(out)) > p.maxOutput {
		return nil, ErrOutputTooLarge
	}
	return out, nil
}

func (p *Processor) flattenTar(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	var buf bytes.Buffer
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		files++
		if err := p.appendLimited(&buf, tr); err != nil {
			return nil, fmt.Errorf("read tar entry %s: %w", hdr.Name, err)
		}
	}
	if files == 0 {
		return nil, ErrEmptyArchive
	}
	return buf.Bytes(), nil
}

func (p *Processor) flattenZip(raw []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	var buf bytes.Buffer
	files := 0
	for _, entry := range zr.File {
		if !entry.Mode().IsRegular() {
			continue
		}
		files++
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
		}
		err = p.appendLimited(&buf, rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %s: %w", entry.Name, err)
		}
	}
	if files == 0 {
		return nil, ErrEmptyArchive
	}
	return buf.Bytes(), nil
}

func (p *Processor) appendLimited(buf *bytes.Buffer, r io.Reader) error {
	remaining := p.maxOutput - int64(buf.Len())
	n, err := io.Copy(buf, io.LimitReader(r, remaining+1))
	if err != nil {
		return err
	}
	if n > remaining {
		return ErrOutputTooLarge
	}
	return nil
}

func detect(raw []byte) format {
	switch {
	case bytes.HasPrefix(raw, []byte{0x1f, 0x8b}):
		return formatGzip
	case bytes.HasPrefix(raw, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return formatZstd
	case bytes.HasPrefix(raw, []byte("BZh")):
		return formatBzip2
	case bytes.HasPrefix(raw, []byte("PK\x03\x04")), bytes.HasPrefix(raw, []byte("PK\x05\x06")):
		return formatZip
	case len(raw) >= 262 && bytes.Equal(raw[257:262], []byte("ustar")):
		return formatTar
	case len(raw) >= 2 && raw[0]&0x0f == 8 && (uint16(raw[0])<<8|uint16(raw[1]))%31 == 0:
		return formatZlib
	default:
		return formatUnknown
	}
}

func openStream(f format, raw []byte) (io.Reader, func(), error) {
	src := bytes.NewReader(raw)
	switch f {
	case formatGzip:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case formatZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd: %w", err)
		}
		return zr, zr.Close, nil
	case formatZlib:
		zr, err := zlib.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("open zlib: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case formatBzip2:
		return bzip2.NewReader(src), func() {}, nil
	default:
		return nil, nil, ErrUnknownFormat
	}
}
