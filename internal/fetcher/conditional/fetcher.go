// Package conditional fetches web sources, probing first with a conditional HEAD so unchanged
// resources are never downloaded.
package conditional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

const defaultTimeout = 15 * time.Second

// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Config controls request behaviour.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher issues conditional probes and full downloads over one shared transport.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	client    *http.Client
	logger    *zap.Logger
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport(), logger)
}

// NewWithTransport builds a Fetcher over rt.
func NewWithTransport(cfg Config, rt http.RoundTripper, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		transport: rt,
		client:    &http.Client{Transport: rt, Timeout: cfg.Timeout},
		logger:    logger,
	}
}

// MakeRequest builds a request carrying the configured User-Agent.
func (f *Fetcher) MakeRequest(ctx context.Context, method, uri string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	return req, nil
}

// Get downloads uri in full. Redirects are followed by the transport and the URL that finally
// answered is reported in FinalURL.
func (f *Fetcher) Get(ctx context.Context, uri string) (collector.FetchResult, error) {
	req, err := f.MakeRequest(ctx, http.MethodGet, uri)
	if err != nil {
		return collector.FetchResult{}, collector.NewError(collector.KindTransport, uri, err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return collector.FetchResult{}, collector.NewError(collector.KindTransport, uri, fmt.Errorf("get: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return collector.FetchResult{}, collector.NewError(collector.KindTransport, uri,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := f.readBody(resp.Body)
	if err != nil {
		return collector.FetchResult{}, collector.NewError(collector.KindTransport, uri, err)
	}

	finalURL := uri
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return collector.FetchResult{
		RequestedURL: uri,
		FinalURL:     finalURL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: parseHTTPTime(resp.Header.Get("Last-Modified")),
		ETag:         resp.Header.Get("ETag"),
		Body:         body,
		Duration:     time.Since(start),
	}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.cfg.MaxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
	}
	return body, nil
}

// parseHTTPTime returns the zero time for a missing or malformed header.
func parseHTTPTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
