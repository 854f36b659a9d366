// Package reindex drives background re-projection of search parameters
// after extraction logic changes. Batches are claimed through the engine's
// two-phase mark-then-fetch, so any number of workers can run concurrently
// without processing a logical resource twice.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/persist/params"
	"github.com/ehr/fhirstore/internal/platform/db"
)

// Extractor re-derives the parameter values for a stored resource payload.
type Extractor func(resourceType string, payload []byte) ([]params.Value, error)

// Driver runs reindex batches to completion.
type Driver struct {
	engine    *persist.Engine
	provider  *db.Provider
	extract   Extractor
	batchSize int
	logger    zerolog.Logger
}

func NewDriver(engine *persist.Engine, provider *db.Provider, extract Extractor,
	batchSize int, logger zerolog.Logger) *Driver {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Driver{
		engine:    engine,
		provider:  provider,
		extract:   extract,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "reindex").Logger(),
	}
}

// Run claims and processes batches until no logical resource is older than
// cutoff. Each batch runs in one transaction: the mark, the fetch, and the
// re-projection of every claimed resource commit atomically, so a crashed
// worker leaves its claim stamped and the rows age back into eligibility at
// the next cutoff.
func (d *Driver) Run(ctx context.Context, key db.ConfigKey, cutoff time.Time) (int, error) {
	processed := 0
	for {
		n, err := d.runBatch(ctx, key, cutoff)
		if err != nil {
			return processed, err
		}
		if n == 0 {
			return processed, nil
		}
		processed += n
		d.logger.Info().Int("batch", n).Int("total", processed).Msg("reindex batch complete")
	}
}

func (d *Driver) runBatch(ctx context.Context, key db.ConfigKey, cutoff time.Time) (int, error) {
	n := 0
	err := d.provider.InTx(ctx, key, func(ctx context.Context) error {
		entries, err := d.engine.MarkAndFetchReindexBatch(ctx, cutoff, d.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := d.reindexOne(ctx, entry); err != nil {
				return fmt.Errorf("reindex %s/%s: %w", entry.ResourceType, entry.LogicalID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (d *Driver) reindexOne(ctx context.Context, entry persist.ReindexEntry) error {
	lr, current, err := d.engine.Read(ctx, entry.ResourceType, entry.LogicalID)
	if errors.Is(err, persist.ErrNotFound) {
		// Identity rows outlive erased resources; nothing to project.
		return nil
	}
	if err != nil {
		return err
	}
	if lr.Deleted {
		return nil
	}

	payload, err := d.engine.FetchPayload(ctx, current)
	if err != nil {
		return err
	}
	values, err := d.extract(entry.ResourceType, payload)
	if err != nil {
		return err
	}
	return d.engine.Reproject(ctx, entry, values)
}
