// Package detector decides whether fetched content is new and binds document ids to content
// versions.
package detector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metadata"
)

// Observation is what a fetch saw for one URL.
type Observation struct {
	URL          string
	Aliases      []string
	LastModified time.Time
	ETag         string
	Hash         string
}

// Decision is the outcome of evaluating an Observation.
type Decision struct {
	IsNew bool
	ID    string
}

// Detector records observations and assigns ids. A given id always denotes one content version.
type Detector struct {
	store  *metadata.Store
	ids    collector.IDGenerator
	logger *zap.Logger
}

// New constructs a Detector.
func New(store *metadata.Store, ids collector.IDGenerator, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: store, ids: ids, logger: logger}
}

// Evaluate records obs and returns the id bound to its content. The update of the URL and all
// aliases is committed as one unit before Evaluate returns.
func (d *Detector) Evaluate(ctx context.Context, obs Observation) (Decision, error) {
	if obs.URL == "" || obs.Hash == "" {
		return Decision{}, fmt.Errorf("observation needs url and hash")
	}
	aliases := distinctAliases(obs.URL, obs.Aliases)

	txn := d.store.Begin(append([]string{obs.URL}, aliases...)...)
	defer txn.Rollback()

	isNew := d.record(txn, obs.URL, obs)
	id, bound := txn.GetID(obs.URL)
	if isNew || !bound {
		fresh, err := d.ids.NewID()
		if err != nil {
			return Decision{}, fmt.Errorf("assign id for %s: %w", obs.URL, err)
		}
		id = fresh
		txn.SetID(obs.URL, id)
	}

	for _, alias := range aliases {
		aliasNew := d.record(txn, alias, obs)
		// A new primary rebinds the alias even when its own hash is unchanged, so both URLs
		// always name the same document after a redirect.
		if _, has := txn.GetID(alias); aliasNew || isNew || !has {
			txn.SetID(alias, id)
		}
		d.logger.Info("redirect recorded",
			zap.String("url", obs.URL), zap.String("final_url", alias), zap.String("document_id", id))
	}

	if err := txn.Commit(ctx); err != nil {
		return Decision{}, err
	}

	if isNew {
		d.logger.Info("content changed", zap.String("url", obs.URL), zap.String("document_id", id))
	} else {
		d.logger.Info("content unchanged", zap.String("url", obs.URL), zap.String("document_id", id))
	}
	return Decision{IsNew: isNew, ID: id}, nil
}

func (d *Detector) record(txn *metadata.Txn, url string, obs Observation) bool {
	txn.SetTimestamp(url, obs.LastModified)
	txn.SetETag(url, obs.ETag)
	return txn.SetHash(url, obs.Hash)
}

func distinctAliases(primary string, aliases []string) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a == "" || strings.EqualFold(a, primary) {
			continue
		}
		dup := false
		for _, seen := range out {
			if strings.EqualFold(seen, a) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}
