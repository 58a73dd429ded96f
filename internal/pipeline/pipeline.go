// Package pipeline drives one collection attempt for a configured source through
// INIT → FETCHING → {SKIPPED | FETCHED → POSTPROCESSED → STORED → PUBLISHED} → CLEANED.
//
// Transport and post-processing failures are contained to the source and reported in the
// Report. Metadata, document store and message bus failures are fatal and returned to the caller.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metrics"
)

// Config controls pipeline behaviour.
type Config struct {
	// MessageMode applies to sources that do not set their own. Defaults to reference.
	MessageMode collector.MessageMode
	// ForceAll forces every source for this process.
	ForceAll bool
}

// Outcome is the result for one payload, or for the source itself when nothing was fetched.
type Outcome struct {
	URL        string
	DocumentID string
	// FinalState is the last state reached before CLEANED.
	FinalState collector.State
	Err        error
}

// Report summarises one Collect call.
type Report struct {
	Source   string
	Started  time.Time
	Duration time.Duration
	Outcomes []Outcome
}

// Count returns how many outcomes ended in state.
func (r Report) Count(state collector.State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.FinalState == state {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Pipeline wires a source to post-processing, storage and messaging.
type Pipeline struct {
	source collector.Source
	post   collector.PostProcessor
	docs   collector.DocumentStore
	bus    collector.MessageBus
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pipeline.
func New(
	source collector.Source,
	post collector.PostProcessor,
	docs collector.DocumentStore,
	bus collector.MessageBus,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.MessageMode == "" {
		cfg.MessageMode = collector.MessageModeReference
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source: source,
		post:   post,
		docs:   docs,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Collect runs one attempt for src. The error is non-nil only for fatal failures; everything
// else is reported in the Report's outcomes.
func (p *Pipeline) Collect(ctx context.Context, src collector.SourceConfig) (report Report, err error) {
	if p.cfg.ForceAll {
		src.Force = true
	}
	report = Report{Source: src.Label(), Started: time.Now()}
	defer func() { report.Duration = time.Since(report.Started) }()

	log := p.logger.With(zap.String("source", src.Label()), zap.String("url", src.URI))
	t := newTracker(src.URI, log)
	if err := t.advance(collector.StateFetching); err != nil {
		return report, err
	}

	payloads, collectErr := p.source.Collect(ctx, src)
	if collectErr != nil {
		err := collector.WithState(collectErr, collector.StateFetching)
		report.Outcomes = append(report.Outcomes, p.finish(t, src, Outcome{URL: src.URI, Err: err}, 0))
		if collector.IsFatal(err) {
			log.Error("fatal error while fetching", zap.String("state", string(collector.StateFetching)), zap.Error(err))
			return report, err
		}
		log.Warn("collection failed", zap.String("state", string(collector.StateFetching)), zap.Error(err))
		return report, nil
	}

	if len(payloads) == 0 {
		if err := t.advance(collector.StateSkipped); err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, p.finish(t, src, Outcome{URL: src.URI}, 0))
		return report, nil
	}

	for i := range payloads {
		outcome, err := p.process(ctx, src, &payloads[i])
		report.Outcomes = append(report.Outcomes, outcome)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// process carries one payload from FETCHED to CLEANED.
func (p *Pipeline) process(ctx context.Context, src collector.SourceConfig, payload *collector.Payload) (Outcome, error) {
	log := p.logger.With(
		zap.String("source", src.Label()),
		zap.String("url", payload.URL),
		zap.String("document_id", payload.DocumentID),
	)
	t := newTracker(payload.URL, log)
	outcome := Outcome{URL: payload.URL, DocumentID: payload.DocumentID}
	rawBytes := len(payload.Raw)

	for _, s := range []collector.State{collector.StateFetching, collector.StateFetched} {
		if err := t.advance(s); err != nil {
			return p.finish(t, src, outcome, rawBytes), err
		}
	}

	processed, err := p.post.Apply(src.PostProcess, payload.Raw)
	if err != nil {
		outcome.Err = collector.WithState(collector.NewError(collector.KindPostProcess, payload.URL, err), collector.StateFetched)
		log.Warn("post-processing failed",
			zap.String("state", string(collector.StateFetched)),
			zap.String("directive", string(src.PostProcess)),
			zap.Error(err))
		payload.Raw = nil
		return p.finish(t, src, outcome, rawBytes), nil
	}
	if err := t.advance(collector.StatePostProcessed); err != nil {
		return p.finish(t, src, outcome, rawBytes), err
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = src.ContentType
	}
	doc := collector.Document{
		ID:          payload.DocumentID,
		Content:     processed,
		ContentType: contentType,
		Metadata:    documentMetadata(src, payload),
	}
	if err := p.docs.Store(ctx, doc); err != nil {
		outcome.Err = fatal(collector.KindDocumentStore, payload.URL, collector.StatePostProcessed, err)
		log.Error("document store failed", zap.String("state", string(collector.StatePostProcessed)), zap.Error(err))
		return p.finish(t, src, outcome, rawBytes), outcome.Err
	}
	if err := t.advance(collector.StateStored); err != nil {
		return p.finish(t, src, outcome, rawBytes), err
	}

	msg := p.buildMessage(src, payload, contentType, processed)
	if err := p.bus.Publish(ctx, msg); err != nil {
		outcome.Err = fatal(collector.KindMessageBus, payload.URL, collector.StateStored, err)
		log.Error("publish failed", zap.String("state", string(collector.StateStored)), zap.Error(err))
		return p.finish(t, src, outcome, rawBytes), outcome.Err
	}
	if err := t.advance(collector.StatePublished); err != nil {
		return p.finish(t, src, outcome, rawBytes), err
	}
	log.Info("published", zap.Bool("new", payload.IsNew), zap.Int("bytes", len(processed)))

	payload.Raw = nil
	return p.finish(t, src, outcome, rawBytes), nil
}

// finish records the final state and moves the tracker to CLEANED.
func (p *Pipeline) finish(t *tracker, src collector.SourceConfig, outcome Outcome, rawBytes int) Outcome {
	outcome.FinalState = t.state
	t.clean()
	metrics.ObserveAttempt(src.Label(), string(outcome.FinalState), rawBytes)
	return outcome
}

func (p *Pipeline) buildMessage(
	src collector.SourceConfig,
	payload *collector.Payload,
	contentType string,
	processed []byte,
) collector.Message {
	mode := src.MessageMode
	if mode == "" {
		mode = p.cfg.MessageMode
	}
	headers := map[string]string{
		collector.HeaderContentType: contentType,
		collector.HeaderDataType:    src.DataType,
		collector.HeaderSourceName:  src.Name,
		collector.HeaderSourceURL:   payload.URL,
		collector.HeaderPayloadMode: string(mode),
		collector.HeaderDocumentID:  payload.DocumentID,
	}
	if payload.FileName != "" {
		headers[collector.HeaderFileName] = payload.FileName
	}
	body := []byte(payload.DocumentID)
	if mode == collector.MessageModeInline {
		body = processed
	}
	return collector.Message{Headers: headers, Payload: body}
}

func documentMetadata(src collector.SourceConfig, payload *collector.Payload) map[string]string {
	md := map[string]string{
		"source_name": src.Name,
		"source_url":  payload.URL,
		"data_type":   src.DataType,
	}
	if payload.FinalURL != "" && payload.FinalURL != payload.URL {
		md["final_url"] = payload.FinalURL
	}
	if payload.FileName != "" {
		md["file_name"] = payload.FileName
	}
	return md
}

func fatal(kind collector.ErrorKind, url string, state collector.State, err error) error {
	if collector.KindOf(err) == 0 {
		err = collector.NewError(kind, url, err)
	}
	return collector.WithState(err, state)
}

// tracker enforces legal state transitions for one attempt.
type tracker struct {
	url    string
	state  collector.State
	logger *zap.Logger
}

func newTracker(url string, logger *zap.Logger) *tracker {
	return &tracker{url: url, state: collector.StateInit, logger: logger}
}

func (t *tracker) advance(to collector.State) error {
	if !collector.CanTransition(t.state, to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", t.state, to, t.url)
	}
	t.logger.Debug("state", zap.String("from", string(t.state)), zap.String("state", string(to)))
	t.state = to
	return nil
}

func (t *tracker) clean() {
	if t.state == collector.StateCleaned {
		return
	}
	t.logger.Debug("state", zap.String("from", string(t.state)), zap.String("state", string(collector.StateCleaned)))
	t.state = collector.StateCleaned
}
