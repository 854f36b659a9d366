package persist

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Engine runs the insert-or-update protocol against a Backend. One Engine
// serves all resource types; per-transaction state travels in ctx, so a
// single instance is safe for concurrent use.
type Engine struct {
	backend  Backend
	payloads PayloadStore
	// offloadThreshold is the payload size in bytes above which payloads are
	// written to the external payload store instead of the version row.
	// Zero disables offload.
	offloadThreshold int
	logger           zerolog.Logger

	mu      sync.RWMutex
	typeIDs map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPayloadStore enables payload offload for payloads larger than
// threshold bytes.
func WithPayloadStore(ps PayloadStore, threshold int) Option {
	return func(e *Engine) {
		e.payloads = ps
		e.offloadThreshold = threshold
	}
}

// NewEngine creates an Engine over the given backend.
func NewEngine(backend Backend, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		logger:  logger.With().Str("component", "persist").Logger(),
		typeIDs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resourceTypeID resolves and caches the surrogate id for a resource type.
// The resource_types table is append-only and seeded before first write, so
// a process-local cache never goes stale.
func (e *Engine) resourceTypeID(ctx context.Context, resourceType string) (int, error) {
	e.mu.RLock()
	id, ok := e.typeIDs[resourceType]
	e.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := e.backend.ResourceTypeID(ctx, resourceType)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.typeIDs[resourceType] = id
	e.mu.Unlock()
	return id, nil
}

// Store creates or updates one logical resource and appends a new immutable
// version row. It must run inside a transaction owned by the caller; every
// error implies the whole transaction should roll back.
//
// The protocol: lock the identity row, read the head record, branch on its
// state, then write. Holding the identity lock for the rest of the
// transaction serializes all writers of the same logical id, so no step
// after the lock can race.
func (e *Engine) Store(ctx context.Context, req *StoreRequest) (*StoreResult, error) {
	typeID, err := e.resourceTypeID(ctx, req.ResourceType)
	if err != nil {
		return nil, err
	}

	logicalResourceID, err := e.resolveIdentity(ctx, typeID, req.LogicalID)
	if err != nil {
		return nil, err
	}

	lr, err := e.backend.ReadLogicalResource(ctx, logicalResourceID)
	if err != nil {
		return nil, dataErr("read logical resource", err)
	}

	rewriteParams := true
	var changeType ChangeType

	switch {
	case lr == nil:
		// First version of this logical resource.
		changeType = ChangeCreate
		if req.Deleted {
			changeType = ChangeDelete
		}

	default:
		// Conditional create-on-update: when the resource already exists
		// undeleted at the requested version, return it untouched. Checked
		// before the concurrency check so a stale If-None-Match never
		// surfaces as a version conflict.
		if req.IfNoneMatch != nil && !lr.Deleted &&
			(*req.IfNoneMatch == IfNoneMatchAny || lr.CurrentVersion == *req.IfNoneMatch) {
			return &StoreResult{
				LogicalResourceID: logicalResourceID,
				Version:           lr.CurrentVersion,
				Outcome:           OutcomeIfNoneMatchExisted,
			}, nil
		}

		if req.Version != lr.CurrentVersion+1 {
			e.logger.Debug().
				Str("resource", req.ResourceType+"/"+req.LogicalID).
				Int("current", lr.CurrentVersion).
				Int("requested", req.Version).
				Msg("concurrent update lost the race")
			return nil, ErrVersionMismatch
		}

		if lr.Deleted && req.Deleted {
			return nil, ErrAlreadyDeleted
		}

		changeType = ChangeUpdate
		if req.Deleted {
			changeType = ChangeDelete
		} else if lr.Deleted {
			// Bringing a deleted resource back counts as a create.
			changeType = ChangeCreate
		}

		// Hash skip: identical parameter content means the existing rows are
		// already correct. The rewrite is an optimization target only; when
		// either hash is absent we rewrite to stay safe.
		if req.ParameterHash != "" && lr.ParameterHash != "" && req.ParameterHash == lr.ParameterHash {
			rewriteParams = false
		}
	}

	resourceID, err := e.backend.NextResourceID(ctx)
	if err != nil {
		return nil, dataErr("allocate resource id", err)
	}

	payload, payloadKey, err := e.placePayload(ctx, resourceID, req)
	if err != nil {
		return nil, err
	}

	head := &LogicalResource{
		LogicalResourceID: logicalResourceID,
		ResourceTypeID:    typeID,
		LogicalID:         req.LogicalID,
		CurrentVersion:    req.Version,
		Deleted:           req.Deleted,
		LastUpdated:       req.LastUpdated,
		ParameterHash:     req.ParameterHash,
	}
	// The head record is written before the version row so backends that
	// co-locate version rows with their head (distribution key lookup) can
	// rely on it existing.
	if lr == nil {
		if err := e.backend.InsertLogicalResource(ctx, head); err != nil {
			if e.backend.IsForeignKeyViolation(err) {
				return nil, ErrResourceTypeNotRegistered
			}
			return nil, dataErr("insert logical resource", err)
		}
	} else {
		if err := e.backend.UpdateLogicalResource(ctx, head); err != nil {
			return nil, dataErr("update logical resource", err)
		}
	}

	version := &VersionRow{
		ResourceID:        resourceID,
		LogicalResourceID: logicalResourceID,
		Version:           req.Version,
		Payload:           payload,
		PayloadKey:        payloadKey,
		LastUpdated:       req.LastUpdated,
		Deleted:           req.Deleted,
	}
	if err := e.backend.InsertResourceVersion(ctx, version); err != nil {
		if e.backend.IsForeignKeyViolation(err) {
			return nil, ErrResourceTypeNotRegistered
		}
		return nil, dataErr("insert resource version", err)
	}

	if rewriteParams {
		if err := e.replaceParameters(ctx, logicalResourceID, req.Parameters); err != nil {
			return nil, err
		}
	}

	entry := &ChangeLogEntry{
		ResourceID:        resourceID,
		ChangeTime:        req.LastUpdated,
		ResourceTypeID:    typeID,
		LogicalResourceID: logicalResourceID,
		Version:           req.Version,
		Type:              changeType,
	}
	if err := e.backend.InsertChangeLogEntry(ctx, entry); err != nil {
		return nil, dataErr("append change log", err)
	}

	return &StoreResult{
		ResourceID:        resourceID,
		LogicalResourceID: logicalResourceID,
		Version:           req.Version,
		Outcome:           OutcomeModified,
	}, nil
}

// placePayload decides where the payload bytes live: already offloaded by
// the caller, offloaded here because they exceed the threshold, or stored
// inline on the version row.
func (e *Engine) placePayload(ctx context.Context, resourceID int64, req *StoreRequest) ([]byte, *string, error) {
	if req.PayloadKey != nil {
		return nil, req.PayloadKey, nil
	}
	if e.payloads != nil && e.offloadThreshold > 0 && len(req.Payload) > e.offloadThreshold {
		key, err := e.payloads.Store(ctx, resourceID, req.Payload)
		if err != nil {
			return nil, nil, dataErr("offload payload", err)
		}
		return nil, &key, nil
	}
	return req.Payload, nil, nil
}

// Read returns the current version row for a logical resource, or
// ErrNotFound when the identity or head record does not exist.
func (e *Engine) Read(ctx context.Context, resourceType, logicalID string) (*LogicalResource, *VersionRow, error) {
	typeID, err := e.resourceTypeID(ctx, resourceType)
	if err != nil {
		return nil, nil, err
	}

	id, found, err := e.backend.FindIdentity(ctx, typeID, logicalID)
	if err != nil {
		return nil, nil, dataErr("find identity", err)
	}
	if !found {
		return nil, nil, ErrNotFound
	}

	lr, err := e.backend.ReadLogicalResource(ctx, id)
	if err != nil {
		return nil, nil, dataErr("read logical resource", err)
	}
	if lr == nil {
		return nil, nil, ErrNotFound
	}

	v, err := e.backend.ReadVersion(ctx, id, lr.CurrentVersion)
	if err != nil {
		return nil, nil, dataErr("read version", err)
	}
	if v == nil {
		return nil, nil, ErrNotFound
	}
	return lr, v, nil
}

// ReadVersion returns one specific version row.
func (e *Engine) ReadVersion(ctx context.Context, resourceType, logicalID string, version int) (*VersionRow, error) {
	typeID, err := e.resourceTypeID(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	id, found, err := e.backend.FindIdentity(ctx, typeID, logicalID)
	if err != nil {
		return nil, dataErr("find identity", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	v, err := e.backend.ReadVersion(ctx, id, version)
	if err != nil {
		return nil, dataErr("read version", err)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// History lists version rows for a logical resource, newest first.
func (e *Engine) History(ctx context.Context, resourceType, logicalID string, limit, offset int) ([]*VersionRow, int, error) {
	typeID, err := e.resourceTypeID(ctx, resourceType)
	if err != nil {
		return nil, 0, err
	}
	id, found, err := e.backend.FindIdentity(ctx, typeID, logicalID)
	if err != nil {
		return nil, 0, dataErr("find identity", err)
	}
	if !found {
		return nil, 0, ErrNotFound
	}
	versions, total, err := e.backend.ReadVersions(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, dataErr("read versions", err)
	}
	return versions, total, nil
}

// ListCurrent pages through current versions of a resource type for export.
func (e *Engine) ListCurrent(ctx context.Context, resourceType string, afterLogicalResourceID int64, limit int) ([]CurrentResource, error) {
	typeID, err := e.resourceTypeID(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	page, err := e.backend.ListCurrent(ctx, typeID, afterLogicalResourceID, limit)
	if err != nil {
		return nil, dataErr("list current versions", err)
	}
	return page, nil
}

// Changes reads the change log after the given change id.
func (e *Engine) Changes(ctx context.Context, afterChangeID int64, limit int) ([]ChangeLogEntry, error) {
	entries, err := e.backend.ReadChanges(ctx, afterChangeID, limit)
	if err != nil {
		return nil, dataErr("read changes", err)
	}
	return entries, nil
}

// FetchPayload resolves payload bytes for a version row, pulling from the
// external payload store when the row was offloaded.
func (e *Engine) FetchPayload(ctx context.Context, v *VersionRow) ([]byte, error) {
	if v.PayloadKey == nil {
		return v.Payload, nil
	}
	if e.payloads == nil {
		return nil, dataErr("fetch payload", errNoPayloadStore)
	}
	data, err := e.payloads.Fetch(ctx, *v.PayloadKey)
	if err != nil {
		return nil, dataErr("fetch payload", err)
	}
	return data, nil
}
