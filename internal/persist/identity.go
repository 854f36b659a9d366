package persist

import (
	"context"
	"fmt"
)

// resolveIdentity maps (resourceTypeID, logicalID) to its logical_resource_id,
// creating the identity row on first use. On return the caller holds the
// per-logical-resource row lock for the remainder of the transaction; this
// lock is the sole serialization point for writers of the same logical id.
//
// Creation races resolve through the identity table's unique constraint:
// the loser's insert fails with a duplicate key, and a re-issued lock-select
// fetches the winner's row. No portable INSERT .. ON CONFLICT .. RETURNING
// exists across the supported backends with lock-compatible semantics, so
// insert-then-retry it is.
func (e *Engine) resolveIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, error) {
	id, found, err := e.backend.LockIdentity(ctx, resourceTypeID, logicalID)
	if err != nil {
		return 0, dataErr("lock identity", err)
	}
	if found {
		return id, nil
	}

	newID, err := e.backend.NextLogicalResourceID(ctx)
	if err != nil {
		return 0, dataErr("allocate logical resource id", err)
	}

	err = e.backend.InsertIdentity(ctx, resourceTypeID, logicalID, newID)
	if err == nil {
		e.logger.Debug().
			Int("resource_type_id", resourceTypeID).
			Str("logical_id", logicalID).
			Int64("logical_resource_id", newID).
			Msg("created logical resource identity")
		return newID, nil
	}
	if !e.backend.IsDuplicateKey(err) {
		return 0, dataErr("insert identity", err)
	}

	// Another writer created the identity first. Re-issue the lock-select to
	// pick up the winning id; identities are append-only, so a second miss
	// means the database is corrupt.
	id, found, err = e.backend.LockIdentity(ctx, resourceTypeID, logicalID)
	if err != nil {
		return 0, dataErr("relock identity", err)
	}
	if !found {
		return 0, dataErr("relock identity",
			fmt.Errorf("identity row vanished after duplicate key for type=%d logicalId=%s", resourceTypeID, logicalID))
	}
	return id, nil
}
