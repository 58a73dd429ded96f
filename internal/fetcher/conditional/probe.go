package conditional

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
)

// probeResult is what a conditional HEAD reveals.
type probeResult struct {
	StatusCode   int
	ETag         string
	LastModified time.Time
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NeedToGet decides whether uri must be downloaded. Only a remote that positively reports "not
// changed" avoids the download; any failure to probe means fetch.
func (f *Fetcher) NeedToGet(
	ctx context.Context,
	uri string,
	prior collector.SourceRecord,
	hasPrior bool,
	force bool,
) (bool, error) {
	if force || !hasPrior {
		return true, nil
	}

	res, err := f.probe(ctx, uri, prior)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("probe %s: %w", uri, ctx.Err())
		}
		f.logger.Info("conditional probe failed, fetching", zap.String("url", uri), zap.Error(err))
		return true, nil
	}
	return changed(res, prior), nil
}

func changed(res probeResult, prior collector.SourceRecord) bool {
	switch {
	case res.StatusCode == http.StatusNotModified:
		return false
	case res.StatusCode < 200 || res.StatusCode > 299:
		// HEAD unsupported or refused.
		return true
	case res.ETag != "" && prior.ETag != "":
		return res.ETag != prior.ETag
	case !res.LastModified.IsZero() && !prior.LastModified.IsZero():
		return res.LastModified.After(prior.LastModified)
	default:
		return true
	}
}

func (f *Fetcher) probe(ctx context.Context, uri string, prior collector.SourceRecord) (probeResult, error) {
	var (
		result   probeResult
		probeErr error
	)
	c := f.buildCollector()
	configureHooks(c, &result, &probeErr)

	hdr := http.Header{}
	if f.cfg.UserAgent != "" {
		hdr.Set("User-Agent", f.cfg.UserAgent)
	}
	if prior.ETag != "" {
		hdr.Set("If-None-Match", prior.ETag)
	}
	if !prior.LastModified.IsZero() {
		hdr.Set("If-Modified-Since", prior.LastModified.UTC().Format(http.TimeFormat))
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Request(http.MethodHead, uri, nil, nil, hdr)
	}()
	select {
	case <-ctx.Done():
		return probeResult{}, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return probeResult{}, fmt.Errorf("head request failed: %w", err)
		}
		if probeErr != nil {
			return probeResult{}, fmt.Errorf("head response failed: %w", probeErr)
		}
		return result, nil
	}
}

// buildCollector returns a single-use collector so probes never share visit history or cookies.
func (f *Fetcher) buildCollector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.DisableCookies()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)
	return c
}

func configureHooks(hooks collectorHooks, result *probeResult, probeErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		res := probeResult{StatusCode: r.StatusCode}
		if r.Headers != nil {
			res.ETag = r.Headers.Get("ETag")
			res.LastModified = parseHTTPTime(r.Headers.Get("Last-Modified"))
		}
		*result = res
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		// Error statuses are parsed as responses; only transport failures land here.
		*probeErr = err
	})
}
