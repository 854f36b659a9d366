package persist

import (
	"context"
	"time"

	"github.com/ehr/fhirstore/internal/persist/params"
)

// MarkAndFetchReindexBatch claims up to batchSize logical resources whose
// reindex timestamp is older than cutoff (never-indexed rows first) and
// returns them. The claim is a two-phase mark-then-fetch: a fresh
// transaction id from a dedicated sequence stamps the rows, then the fetch
// selects only rows carrying that id. A row stamped by one worker is
// invisible to every other worker's fetch, so concurrent workers always
// receive disjoint batches.
func (e *Engine) MarkAndFetchReindexBatch(ctx context.Context, cutoff time.Time, batchSize int) ([]ReindexEntry, error) {
	txID, err := e.backend.NextReindexTxID(ctx)
	if err != nil {
		return nil, dataErr("allocate reindex tx id", err)
	}

	marked, err := e.backend.MarkReindexBatch(ctx, txID, cutoff, batchSize)
	if err != nil {
		return nil, dataErr("mark reindex batch", err)
	}
	if marked == 0 {
		return nil, nil
	}

	entries, err := e.backend.FetchReindexBatch(ctx, txID)
	if err != nil {
		return nil, dataErr("fetch reindex batch", err)
	}
	return entries, nil
}

// Reproject rewrites the parameter rows for one logical resource, used by
// the reindex driver after re-extraction. The identity lock is taken first
// so the rewrite cannot interleave with a concurrent resource write, and the
// stored parameter hash is refreshed to match the new set.
func (e *Engine) Reproject(ctx context.Context, entry ReindexEntry, values []params.Value) error {
	typeID, err := e.resourceTypeID(ctx, entry.ResourceType)
	if err != nil {
		return err
	}

	id, found, err := e.backend.LockIdentity(ctx, typeID, entry.LogicalID)
	if err != nil {
		return dataErr("lock identity", err)
	}
	if !found {
		return ErrNotFound
	}

	lr, err := e.backend.ReadLogicalResource(ctx, id)
	if err != nil {
		return dataErr("read logical resource", err)
	}
	if lr == nil {
		return ErrNotFound
	}

	if err := e.replaceParameters(ctx, id, values); err != nil {
		return err
	}

	lr.ParameterHash = params.Hash(values)
	if err := e.backend.UpdateLogicalResource(ctx, lr); err != nil {
		return dataErr("update logical resource", err)
	}
	return nil
}
