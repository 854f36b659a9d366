// Package distributed implements the persist.Backend contract for a
// distributed PostgreSQL cluster (Citus-style).
//
// Layout differences from the plain backend: every resource-owned table
// carries a shard_key smallint distribution column derived from the logical
// resource identity, so statements route to a single shard; the dictionary
// tables (parameter_names, code_systems, common_token_values,
// common_canonical_values) are reference tables replicated to every node
// and are written through the coordinator exactly as in the plain backend.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/persist/postgres"
	"github.com/ehr/fhirstore/internal/platform/db"
)

// ShardCount is the modulus for shard key encoding. Matches the schema's
// smallint column; changing it requires a re-distribution.
const ShardCount = 1024

// Backend composes the plain adapter and overrides the statements whose
// shape changes under distribution. Dictionary resolution, sequences and
// error classification are inherited unchanged.
type Backend struct {
	*postgres.Backend
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Backend {
	return &Backend{Backend: postgres.New(pool), pool: pool}
}

// EncodeShardKey maps a logical resource identity onto its shard. Every
// writer must compute the same value for the same identity.
func EncodeShardKey(resourceTypeID int, logicalID string) int16 {
	h := fnv.New32a()
	h.Write([]byte{byte(resourceTypeID), byte(resourceTypeID >> 8)})
	h.Write([]byte(logicalID))
	return int16(h.Sum32() % ShardCount)
}

func (b *Backend) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// LockIdentity includes the shard key in the predicate so the row lock is
// taken on exactly one worker node rather than fanning out.
func (b *Backend) LockIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error) {
	return b.identity(ctx, resourceTypeID, logicalID, true)
}

func (b *Backend) FindIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error) {
	return b.identity(ctx, resourceTypeID, logicalID, false)
}

func (b *Backend) identity(ctx context.Context, resourceTypeID int, logicalID string, lock bool) (int64, bool, error) {
	query := `SELECT logical_resource_id FROM logical_resource_ident
		WHERE shard_key = $1 AND resource_type_id = $2 AND logical_id = $3`
	if lock {
		query += ` FOR UPDATE`
	}
	var id int64
	err := b.conn(ctx).QueryRow(ctx, query,
		EncodeShardKey(resourceTypeID, logicalID), resourceTypeID, logicalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (b *Backend) InsertIdentity(ctx context.Context, resourceTypeID int, logicalID string, logicalResourceID int64) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return errors.New("insert identity requires a transaction")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO logical_resource_ident (shard_key, resource_type_id, logical_id, logical_resource_id)
		VALUES ($1, $2, $3, $4)`,
		EncodeShardKey(resourceTypeID, logicalID), resourceTypeID, logicalID, logicalResourceID)
	return err
}

func (b *Backend) InsertLogicalResource(ctx context.Context, lr *persist.LogicalResource) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return errors.New("insert logical resource requires a transaction")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO logical_resources (shard_key, logical_resource_id, resource_type_id, logical_id,
			current_version, is_deleted, last_updated, parameter_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		EncodeShardKey(lr.ResourceTypeID, lr.LogicalID),
		lr.LogicalResourceID, lr.ResourceTypeID, lr.LogicalID,
		lr.CurrentVersion, lr.Deleted, lr.LastUpdated, lr.ParameterHash)
	return err
}

func (b *Backend) InsertResourceVersion(ctx context.Context, v *persist.VersionRow) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return errors.New("insert resource version requires a transaction")
	}
	// The version row co-locates with its logical resource; the shard key is
	// read back from the head rather than re-derived so the two can never
	// disagree.
	tag, err := tx.Exec(ctx, `
		INSERT INTO resource_versions (shard_key, resource_id, logical_resource_id, version_id,
			payload, resource_payload_key, last_updated, is_deleted)
		SELECT lr.shard_key, $1, $2, $3, $4, $5, $6, $7
		FROM logical_resources lr
		WHERE lr.logical_resource_id = $2`,
		v.ResourceID, v.LogicalResourceID, v.Version,
		v.Payload, v.PayloadKey, v.LastUpdated, v.Deleted)
	if err != nil {
		return err
	}
	return checkVersionInserted(tag, v)
}

// checkVersionInserted rejects a zero-row insert: the SELECT-from-head form
// inserts nothing when the head row is missing, and that must surface as a
// broken write order rather than a silently dropped version.
func checkVersionInserted(tag pgconn.CommandTag, v *persist.VersionRow) error {
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("insert version %d for logical resource %d: head row missing",
			v.Version, v.LogicalResourceID)
	}
	return nil
}
