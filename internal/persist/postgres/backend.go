// Package postgres implements the persist.Backend contract for a plain
// single-node PostgreSQL database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Backend is the plain-Postgres adapter. All writes join the transaction
// carried in ctx; direct pool access only happens for reads outside a
// transaction.
type Backend struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

func (b *Backend) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

func (b *Backend) ResourceTypeID(ctx context.Context, resourceType string) (int, error) {
	var id int
	err := b.conn(ctx).QueryRow(ctx,
		`SELECT resource_type_id FROM resource_types WHERE resource_type = $1`,
		resourceType).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, persist.ErrResourceTypeNotRegistered
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (b *Backend) LockIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error) {
	return b.identity(ctx, resourceTypeID, logicalID, true)
}

func (b *Backend) FindIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error) {
	return b.identity(ctx, resourceTypeID, logicalID, false)
}

func (b *Backend) identity(ctx context.Context, resourceTypeID int, logicalID string, lock bool) (int64, bool, error) {
	query := `SELECT logical_resource_id FROM logical_resource_ident
		WHERE resource_type_id = $1 AND logical_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var id int64
	err := b.conn(ctx).QueryRow(ctx, query, resourceTypeID, logicalID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (b *Backend) NextLogicalResourceID(ctx context.Context) (int64, error) {
	return b.nextval(ctx, "fhir_ref_sequence")
}

func (b *Backend) NextResourceID(ctx context.Context) (int64, error) {
	return b.nextval(ctx, "fhir_sequence")
}

func (b *Backend) NextReindexTxID(ctx context.Context) (int64, error) {
	return b.nextval(ctx, "reindex_tx_sequence")
}

func (b *Backend) nextval(ctx context.Context, sequence string) (int64, error) {
	var id int64
	err := b.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT nextval('%s')`, sequence)).Scan(&id)
	return id, err
}

func (b *Backend) InsertIdentity(ctx context.Context, resourceTypeID int, logicalID string, logicalResourceID int64) error {
	_, err := b.conn(ctx).Exec(ctx, `
		INSERT INTO logical_resource_ident (resource_type_id, logical_id, logical_resource_id)
		VALUES ($1, $2, $3)`,
		resourceTypeID, logicalID, logicalResourceID)
	return err
}

func (b *Backend) ReadLogicalResource(ctx context.Context, logicalResourceID int64) (*persist.LogicalResource, error) {
	var lr persist.LogicalResource
	err := b.conn(ctx).QueryRow(ctx, `
		SELECT logical_resource_id, resource_type_id, logical_id, current_version,
			is_deleted, last_updated, COALESCE(parameter_hash, '')
		FROM logical_resources
		WHERE logical_resource_id = $1`,
		logicalResourceID).Scan(&lr.LogicalResourceID, &lr.ResourceTypeID, &lr.LogicalID,
		&lr.CurrentVersion, &lr.Deleted, &lr.LastUpdated, &lr.ParameterHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lr, nil
}

func (b *Backend) InsertLogicalResource(ctx context.Context, lr *persist.LogicalResource) error {
	_, err := b.conn(ctx).Exec(ctx, `
		INSERT INTO logical_resources (logical_resource_id, resource_type_id, logical_id,
			current_version, is_deleted, last_updated, parameter_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lr.LogicalResourceID, lr.ResourceTypeID, lr.LogicalID,
		lr.CurrentVersion, lr.Deleted, lr.LastUpdated, lr.ParameterHash)
	return err
}

func (b *Backend) UpdateLogicalResource(ctx context.Context, lr *persist.LogicalResource) error {
	_, err := b.conn(ctx).Exec(ctx, `
		UPDATE logical_resources
		SET current_version = $2, is_deleted = $3, last_updated = $4, parameter_hash = $5
		WHERE logical_resource_id = $1`,
		lr.LogicalResourceID, lr.CurrentVersion, lr.Deleted, lr.LastUpdated, lr.ParameterHash)
	return err
}

func (b *Backend) InsertResourceVersion(ctx context.Context, v *persist.VersionRow) error {
	_, err := b.conn(ctx).Exec(ctx, `
		INSERT INTO resource_versions (resource_id, logical_resource_id, version_id,
			payload, resource_payload_key, last_updated, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ResourceID, v.LogicalResourceID, v.Version,
		v.Payload, v.PayloadKey, v.LastUpdated, v.Deleted)
	return err
}

const versionCols = `resource_id, logical_resource_id, version_id, payload,
	resource_payload_key, last_updated, is_deleted`

func scanVersion(row pgx.Row) (*persist.VersionRow, error) {
	var v persist.VersionRow
	err := row.Scan(&v.ResourceID, &v.LogicalResourceID, &v.Version,
		&v.Payload, &v.PayloadKey, &v.LastUpdated, &v.Deleted)
	return &v, err
}

func (b *Backend) ReadVersion(ctx context.Context, logicalResourceID int64, version int) (*persist.VersionRow, error) {
	v, err := scanVersion(b.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+` FROM resource_versions
		WHERE logical_resource_id = $1 AND version_id = $2`,
		logicalResourceID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (b *Backend) ReadVersions(ctx context.Context, logicalResourceID int64, limit, offset int) ([]*persist.VersionRow, int, error) {
	var total int
	err := b.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM resource_versions WHERE logical_resource_id = $1`,
		logicalResourceID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := b.conn(ctx).Query(ctx,
		`SELECT `+versionCols+` FROM resource_versions
		WHERE logical_resource_id = $1
		ORDER BY version_id DESC LIMIT $2 OFFSET $3`,
		logicalResourceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var versions []*persist.VersionRow
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, v)
	}
	return versions, total, rows.Err()
}

func (b *Backend) ListCurrent(ctx context.Context, resourceTypeID int, afterLogicalResourceID int64, limit int) ([]persist.CurrentResource, error) {
	rows, err := b.conn(ctx).Query(ctx, `
		SELECT lr.logical_resource_id, lr.logical_id, v.version_id,
			v.payload, v.resource_payload_key, v.last_updated, v.is_deleted
		FROM logical_resources lr
		JOIN resource_versions v
			ON v.logical_resource_id = lr.logical_resource_id
			AND v.version_id = lr.current_version
		WHERE lr.resource_type_id = $1 AND lr.logical_resource_id > $2
		ORDER BY lr.logical_resource_id
		LIMIT $3`,
		resourceTypeID, afterLogicalResourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []persist.CurrentResource
	for rows.Next() {
		var cr persist.CurrentResource
		if err := rows.Scan(&cr.LogicalResourceID, &cr.LogicalID, &cr.Version,
			&cr.Payload, &cr.PayloadKey, &cr.LastUpdated, &cr.Deleted); err != nil {
			return nil, err
		}
		result = append(result, cr)
	}
	return result, rows.Err()
}

func (b *Backend) InsertChangeLogEntry(ctx context.Context, e *persist.ChangeLogEntry) error {
	_, err := b.conn(ctx).Exec(ctx, `
		INSERT INTO changes (change_id, resource_id, change_tstamp, resource_type_id,
			logical_resource_id, version_id, change_type)
		VALUES (nextval('fhir_change_sequence'), $1, $2, $3, $4, $5, $6)`,
		e.ResourceID, e.ChangeTime, e.ResourceTypeID,
		e.LogicalResourceID, e.Version, string(e.Type))
	return err
}

func (b *Backend) ReadChanges(ctx context.Context, afterChangeID int64, limit int) ([]persist.ChangeLogEntry, error) {
	rows, err := b.conn(ctx).Query(ctx, `
		SELECT change_id, resource_id, change_tstamp, resource_type_id,
			logical_resource_id, version_id, change_type
		FROM changes
		WHERE change_id > $1
		ORDER BY change_id
		LIMIT $2`,
		afterChangeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []persist.ChangeLogEntry
	for rows.Next() {
		var e persist.ChangeLogEntry
		var changeType string
		if err := rows.Scan(&e.ChangeID, &e.ResourceID, &e.ChangeTime, &e.ResourceTypeID,
			&e.LogicalResourceID, &e.Version, &changeType); err != nil {
			return nil, err
		}
		e.Type = persist.ChangeType(changeType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *Backend) MarkReindexBatch(ctx context.Context, txID int64, cutoff time.Time, batchSize int) (int, error) {
	// NULLS FIRST picks never-indexed resources before stale ones. The
	// subquery orders candidates so two workers marking concurrently contend
	// for rows in the same order. Claimed rows are stamped past the cutoff,
	// not with NOW(): a future cutoff must not leave them re-claimable.
	tag, err := b.conn(ctx).Exec(ctx, `
		UPDATE logical_resources
		SET reindex_txid = $1, reindex_tstamp = GREATEST(NOW(), $2::timestamptz)
		WHERE logical_resource_id IN (
			SELECT logical_resource_id FROM logical_resources
			WHERE (reindex_tstamp IS NULL OR reindex_tstamp < $2)
			ORDER BY reindex_tstamp ASC NULLS FIRST, logical_resource_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)`,
		txID, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) FetchReindexBatch(ctx context.Context, txID int64) ([]persist.ReindexEntry, error) {
	rows, err := b.conn(ctx).Query(ctx, `
		SELECT rt.resource_type, lr.logical_id, lr.logical_resource_id
		FROM logical_resources lr
		JOIN resource_types rt ON rt.resource_type_id = lr.resource_type_id
		WHERE lr.reindex_txid = $1
		ORDER BY lr.logical_resource_id`,
		txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []persist.ReindexEntry
	for rows.Next() {
		var e persist.ReindexEntry
		if err := rows.Scan(&e.ResourceType, &e.LogicalID, &e.LogicalResourceID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *Backend) IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (b *Backend) IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
