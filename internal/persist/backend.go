package persist

import (
	"context"
	"time"
)

// ParamRows is the fully resolved parameter set handed to a backend for
// insertion: dictionary values already replaced by surrogate ids, one slice
// per value-table family.
type ParamRows struct {
	Strings    []StringRow
	Numbers    []NumberRow
	Dates      []DateRow
	Tokens     []TokenRow
	Quantities []QuantityRow
	References []ReferenceRow
	Composites []CompositeRow
}

// Empty reports whether no rows of any family are present.
func (p *ParamRows) Empty() bool {
	return len(p.Strings) == 0 && len(p.Numbers) == 0 && len(p.Dates) == 0 &&
		len(p.Tokens) == 0 && len(p.Quantities) == 0 &&
		len(p.References) == 0 && len(p.Composites) == 0
}

type StringRow struct {
	ParameterNameID int
	Value           string
}

type NumberRow struct {
	ParameterNameID int
	Value           float64
	Low             *float64
	High            *float64
}

type DateRow struct {
	ParameterNameID int
	Start           time.Time
	End             time.Time
}

type TokenRow struct {
	ParameterNameID    int
	CommonTokenValueID int64
}

type QuantityRow struct {
	ParameterNameID int
	CodeSystemID    int
	Code            string
	Value           float64
	Low             *float64
	High            *float64
}

type ReferenceRow struct {
	ParameterNameID int
	TargetType      string
	TargetID        string
	CanonicalID     *int64
}

// CompositeRow groups component rows under one composite parameter.
// Components carry their ordinal so correlated matching can be rebuilt.
type CompositeRow struct {
	ParameterNameID int
	Components      []ComponentRow
}

// ComponentRow is one wide composite_components row; exactly one of the
// value groups is populated, matching the component's kind.
type ComponentRow struct {
	Ordinal            int
	ValueString        *string
	ValueNumber        *float64
	ValueDateStart     *time.Time
	ValueDateEnd       *time.Time
	CommonTokenValueID *int64
}

// Backend is the substitutable seam between the engine and a database.
// Every method runs inside the caller's transaction (resolved from ctx);
// none of them commit. Implementations map their native error codes through
// the two classifier methods so the engine's branching stays portable.
type Backend interface {
	// ResourceTypeID resolves a registered resource type name.
	// Returns ErrResourceTypeNotRegistered when absent.
	ResourceTypeID(ctx context.Context, resourceType string) (int, error)

	// LockIdentity acquires the per-logical-resource row lock
	// (SELECT ... FOR UPDATE on logical_resource_ident) and returns the
	// logical_resource_id when the identity exists.
	LockIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error)
	// FindIdentity is the read-path variant: same lookup, no lock.
	FindIdentity(ctx context.Context, resourceTypeID int, logicalID string) (int64, bool, error)
	NextLogicalResourceID(ctx context.Context) (int64, error)
	InsertIdentity(ctx context.Context, resourceTypeID int, logicalID string, logicalResourceID int64) error

	ReadLogicalResource(ctx context.Context, logicalResourceID int64) (*LogicalResource, error)
	InsertLogicalResource(ctx context.Context, lr *LogicalResource) error
	UpdateLogicalResource(ctx context.Context, lr *LogicalResource) error

	NextResourceID(ctx context.Context) (int64, error)
	InsertResourceVersion(ctx context.Context, v *VersionRow) error
	ReadVersion(ctx context.Context, logicalResourceID int64, version int) (*VersionRow, error)
	ReadVersions(ctx context.Context, logicalResourceID int64, limit, offset int) ([]*VersionRow, int, error)

	// DeleteParameters removes every parameter row for the logical resource,
	// composite tables first to satisfy foreign keys.
	DeleteParameters(ctx context.Context, logicalResourceID int64) error
	InsertParameters(ctx context.Context, logicalResourceID int64, rows *ParamRows) error

	// Dictionary upsert-then-fetch. Inputs arrive pre-sorted in the global
	// order; implementations must preserve that order when inserting.
	ResolveParameterNames(ctx context.Context, names []string) (map[string]int, error)
	ResolveCodeSystems(ctx context.Context, systems []string) (map[string]int, error)
	ResolveCommonTokenValues(ctx context.Context, keys []TokenKey) (map[TokenKey]int64, error)
	ResolveCanonicalValues(ctx context.Context, urls []string) (map[string]int64, error)

	// ListCurrent pages through the current version of every logical
	// resource of a type, keyed after logical_resource_id for stable cursors.
	ListCurrent(ctx context.Context, resourceTypeID int, afterLogicalResourceID int64, limit int) ([]CurrentResource, error)

	InsertChangeLogEntry(ctx context.Context, e *ChangeLogEntry) error
	ReadChanges(ctx context.Context, afterChangeID int64, limit int) ([]ChangeLogEntry, error)

	NextReindexTxID(ctx context.Context) (int64, error)
	// MarkReindexBatch stamps up to batchSize logical resources whose
	// reindex timestamp is older than cutoff (nulls first) with txID.
	MarkReindexBatch(ctx context.Context, txID int64, cutoff time.Time, batchSize int) (int, error)
	// FetchReindexBatch returns exactly the rows stamped with txID.
	FetchReindexBatch(ctx context.Context, txID int64) ([]ReindexEntry, error)

	IsDuplicateKey(err error) bool
	IsForeignKeyViolation(err error) bool
}
