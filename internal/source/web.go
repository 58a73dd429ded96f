package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/detector"
	"github.com/JakeFAU/source-collector/internal/metrics"
)

// Fetcher is the conditional HTTP client a Web source depends on.
type Fetcher interface {
	NeedToGet(ctx context.Context, uri string, prior collector.SourceRecord, hasPrior, force bool) (bool, error)
	Get(ctx context.Context, uri string) (collector.FetchResult, error)
}

// Evaluator records an observation and decides whether the content is new.
type Evaluator interface {
	Evaluate(ctx context.Context, obs detector.Observation) (detector.Decision, error)
}

// RecordReader exposes the stored state for a URL.
type RecordReader interface {
	Get(url string) (collector.SourceRecord, bool)
}

// Web collects a single URL.
type Web struct {
	fetcher  Fetcher
	detector Evaluator
	records  RecordReader
	hasher   collector.Hasher
	limiter  collector.RateLimiter
	logger   *zap.Logger
}

// WebDeps groups the collaborators of a Web source. Limiter is optional.
type WebDeps struct {
	Fetcher  Fetcher
	Detector Evaluator
	Records  RecordReader
	Hasher   collector.Hasher
	Limiter  collector.RateLimiter
	Logger   *zap.Logger
}

// NewWeb constructs a Web source.
func NewWeb(deps WebDeps) *Web {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Web{
		fetcher:  deps.Fetcher,
		detector: deps.Detector,
		records:  deps.Records,
		hasher:   deps.Hasher,
		limiter:  deps.Limiter,
		logger:   logger.Named("web"),
	}
}

// Collect fetches src.URI when it may have changed. Content is returned only when it is new or
// the source is forced; the record is updated either way.
func (w *Web) Collect(ctx context.Context, src collector.SourceConfig) ([]collector.Payload, error) {
	uri := src.URI
	log := w.logger.With(zap.String("source", src.Label()), zap.String("url", uri))

	prior, hasPrior := w.records.Get(uri)
	if err := w.wait(ctx, uri); err != nil {
		return nil, err
	}
	need, err := w.fetcher.NeedToGet(ctx, uri, prior, hasPrior, src.Force)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, uri, err)
	}
	if !need {
		log.Info("remote reports no change, skipping")
		return nil, nil
	}

	if err := w.wait(ctx, uri); err != nil {
		return nil, err
	}
	res, err := w.fetcher.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	metrics.ObserveFetch(uri, res.Duration)

	hash, err := w.hasher.Hash(res.Body)
	if err != nil {
		return nil, collector.NewError(collector.KindTransport, uri, fmt.Errorf("fingerprint: %w", err))
	}
	obs := detector.Observation{
		URL:          uri,
		LastModified: res.LastModified,
		ETag:         res.ETag,
		Hash:         hash,
	}
	if res.Redirected() {
		log.Info("redirected", zap.String("final_url", res.FinalURL))
		obs.Aliases = []string{res.FinalURL}
	}

	decision, err := w.detector.Evaluate(ctx, obs)
	if err != nil {
		return nil, err
	}
	if !decision.IsNew && !src.Force {
		log.Info("fingerprint unchanged", zap.String("document_id", decision.ID))
		return nil, nil
	}
	if !decision.IsNew {
		log.Info("forced collection of unchanged content", zap.String("document_id", decision.ID))
	}

	return []collector.Payload{{
		URL:         uri,
		FinalURL:    res.FinalURL,
		DocumentID:  decision.ID,
		ContentType: res.ContentType,
		Raw:         res.Body,
		IsNew:       decision.IsNew,
	}}, nil
}

func (w *Web) wait(ctx context.Context, uri string) error {
	if w.limiter == nil {
		return nil
	}
	if err := w.limiter.Wait(ctx, uri); err != nil {
		return collector.NewError(collector.KindTransport, uri, err)
	}
	return nil
}
