// Package persist implements the multi-backend resource versioning and
// storage engine: per-logical-resource locking, the insert-or-update
// protocol, parameter projection, and the change log / reindex tracker.
//
// The engine is backend-agnostic; all SQL/CQL lives behind the Backend
// interface with one implementation per database.
package persist

import (
	"time"

	"github.com/ehr/fhirstore/internal/persist/params"
)

// StoreRequest carries one write through the insert-or-update protocol.
// Payload bytes arrive pre-serialized (and possibly pre-compressed or
// offloaded) from the REST or bulk layers.
type StoreRequest struct {
	ResourceType string
	LogicalID    string

	// Payload is the serialized resource. Nil when the payload was offloaded
	// ahead of time, in which case PayloadKey correlates to the external
	// payload store.
	Payload    []byte
	PayloadKey *string

	// Version is the target version: 1 for a create, current+1 for an
	// update. Anything else fails with ErrVersionMismatch.
	Version     int
	LastUpdated time.Time
	Deleted     bool

	// ParameterHash is the digest of the extracted parameter set. When it
	// matches the stored hash the parameter rewrite is skipped.
	ParameterHash string
	Parameters    []params.Value

	// IfNoneMatch holds the version token for conditional create-on-update
	// (If-None-Match). When the resource exists undeleted at that version
	// the write is short-circuited. IfNoneMatchAny matches any version.
	IfNoneMatch *int
}

// IfNoneMatchAny is the wildcard conditional-create token ("If-None-Match: *").
const IfNoneMatchAny = -1

// Outcome describes how a store call concluded.
type Outcome int

const (
	// OutcomeModified means a new version row was committed.
	OutcomeModified Outcome = iota
	// OutcomeIfNoneMatchExisted means the conditional create found the
	// resource already present; nothing was written.
	OutcomeIfNoneMatchExisted
)

// StoreResult reports the identifiers assigned by a store call. Version is
// the version actually stored, or the existing version after an
// If-None-Match short-circuit.
type StoreResult struct {
	ResourceID        int64
	LogicalResourceID int64
	Version           int
	Outcome           Outcome
}

// LogicalResource mirrors one logical_resources row: the mutable head record
// for a logical id. CurrentVersion increases by exactly 1 per committed
// write and is never reused.
type LogicalResource struct {
	LogicalResourceID int64
	ResourceTypeID    int
	LogicalID         string
	CurrentVersion    int
	Deleted           bool
	LastUpdated       time.Time
	ParameterHash     string
}

// VersionRow mirrors one immutable resource_versions row.
type VersionRow struct {
	ResourceID        int64
	LogicalResourceID int64
	Version           int
	Payload           []byte
	PayloadKey        *string
	LastUpdated       time.Time
	Deleted           bool
}

// ChangeType classifies a change log entry.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeLogEntry mirrors one append-only changes row.
type ChangeLogEntry struct {
	ChangeID          int64
	ResourceID        int64
	ChangeTime        time.Time
	ResourceTypeID    int
	LogicalResourceID int64
	Version           int
	Type              ChangeType
}

// ReindexEntry identifies one logical resource claimed by a reindex batch.
type ReindexEntry struct {
	ResourceType      string
	LogicalID         string
	LogicalResourceID int64
}

// CurrentResource is one row of an export page: the head record joined with
// its current version.
type CurrentResource struct {
	LogicalResourceID int64
	LogicalID         string
	Version           int
	Payload           []byte
	PayloadKey        *string
	LastUpdated       time.Time
	Deleted           bool
}

// TokenKey is the dictionary key for a common_token_values row.
type TokenKey struct {
	CodeSystemID int
	Value        string
}
