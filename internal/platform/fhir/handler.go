package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/persist/params"
	"github.com/ehr/fhirstore/internal/platform/db"
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)
	logicalIDPattern    = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// Extractor produces the search parameter values stored alongside a
// resource. Injected so the boundary stays decoupled from extraction.
type Extractor func(resourceType string, payload []byte) ([]params.Value, error)

// Handler adapts HTTP semantics onto the persistence engine.
type Handler struct {
	engine   *persist.Engine
	provider *db.Provider
	extract  Extractor
	tenant   string
	logger   zerolog.Logger
}

func NewHandler(engine *persist.Engine, provider *db.Provider, extract Extractor,
	defaultTenant string, logger zerolog.Logger) *Handler {
	if extract == nil {
		extract = ExtractBasicParameters
	}
	return &Handler{
		engine:   engine,
		provider: provider,
		extract:  extract,
		tenant:   defaultTenant,
		logger:   logger.With().Str("component", "fhir-http").Logger(),
	}
}

// Register mounts the resource endpoints on the given group.
func (h *Handler) Register(g *echo.Group) {
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id", h.Read)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.GET("/_changes", h.Changes)
}

func (h *Handler) configKey(c echo.Context) db.ConfigKey {
	tenant := c.Request().Header.Get("X-Tenant-ID")
	if tenant == "" || !db.ValidTenantID(tenant) {
		tenant = h.tenant
	}
	return db.ConfigKey{Strategy: "tenant-schema", Tenant: tenant, Datastore: "default"}
}

func pathParams(c echo.Context) (string, string, bool) {
	resourceType, id := c.Param("type"), c.Param("id")
	return resourceType, id, resourceTypePattern.MatchString(resourceType) && logicalIDPattern.MatchString(id)
}

// Update handles PUT {type}/{id}: update, create-on-first-write, and
// conditional create via If-None-Match.
func (h *Handler) Update(c echo.Context) error {
	resourceType, id, ok := pathParams(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid resource type or id"))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil || !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("request body is not valid JSON"))
	}

	expected, haveIfMatch, err := ifMatchVersion(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid If-Match header: "+err.Error()))
	}
	inmVersion, inmWildcard, haveINM, err := ifNoneMatchVersion(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid If-None-Match header: "+err.Error()))
	}

	values, err := h.extract(resourceType, body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("resource is not parseable: "+err.Error()))
	}

	var result *persist.StoreResult
	var created bool
	err = h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		version := 1
		_, current, err := h.engine.Read(ctx, resourceType, id)
		switch {
		case err == nil:
			version = current.Version + 1
		case errors.Is(err, persist.ErrNotFound):
			created = true
		default:
			return err
		}
		if haveIfMatch {
			// The engine re-verifies under the lock; checking here turns an
			// obviously stale write into a fast 409 without burning ids.
			version = expected + 1
		}

		req := &persist.StoreRequest{
			ResourceType:  resourceType,
			LogicalID:     id,
			Payload:       body,
			Version:       version,
			LastUpdated:   time.Now().UTC(),
			ParameterHash: params.Hash(values),
			Parameters:    values,
		}
		if haveINM {
			token := inmVersion
			if inmWildcard {
				token = persist.IfNoneMatchAny
			}
			req.IfNoneMatch = &token
		}

		result, err = h.engine.Store(ctx, req)
		return err
	})
	if err != nil {
		return h.writeError(c, err, resourceType, id)
	}

	SetVersionHeaders(c, result.Version, time.Now().UTC().Format(http.TimeFormat))
	if result.Outcome == persist.OutcomeIfNoneMatchExisted {
		return c.JSON(http.StatusOK, NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational,
			"resource already exists; no new version created"))
	}
	if created {
		c.Response().Header().Set("Location", "/fhir/"+resourceType+"/"+id+"/_history/"+strconv.Itoa(result.Version))
		return c.JSONBlob(http.StatusCreated, body)
	}
	return c.JSONBlob(http.StatusOK, body)
}

// Delete handles DELETE {type}/{id} by writing a deletion-marker version.
func (h *Handler) Delete(c echo.Context) error {
	resourceType, id, ok := pathParams(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid resource type or id"))
	}

	err := h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		_, current, err := h.engine.Read(ctx, resourceType, id)
		if err != nil {
			return err
		}
		_, err = h.engine.Store(ctx, &persist.StoreRequest{
			ResourceType: resourceType,
			LogicalID:    id,
			Version:      current.Version + 1,
			LastUpdated:  time.Now().UTC(),
			Deleted:      true,
		})
		return err
	})
	if err != nil {
		return h.writeError(c, err, resourceType, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// Read handles GET {type}/{id}.
func (h *Handler) Read(c echo.Context) error {
	resourceType, id, ok := pathParams(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid resource type or id"))
	}

	var head *persist.LogicalResource
	var payload []byte
	err := h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		lr, version, err := h.engine.Read(ctx, resourceType, id)
		if err != nil {
			return err
		}
		head = lr
		if lr.Deleted {
			return nil
		}
		payload, err = h.engine.FetchPayload(ctx, version)
		return err
	})
	if err != nil {
		return h.writeError(c, err, resourceType, id)
	}
	if head.Deleted {
		return c.JSON(http.StatusGone, GoneOutcome(resourceType, id))
	}

	SetVersionHeaders(c, head.CurrentVersion, head.LastUpdated.UTC().Format(http.TimeFormat))
	return c.JSONBlob(http.StatusOK, payload)
}

// VRead handles GET {type}/{id}/_history/{vid}.
func (h *Handler) VRead(c echo.Context) error {
	resourceType, id, ok := pathParams(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid resource type or id"))
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid version id"))
	}

	var row *persist.VersionRow
	var payload []byte
	err = h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		v, err := h.engine.ReadVersion(ctx, resourceType, id, vid)
		if err != nil {
			return err
		}
		row = v
		if v.Deleted {
			return nil
		}
		payload, err = h.engine.FetchPayload(ctx, v)
		return err
	})
	if err != nil {
		return h.writeError(c, err, resourceType, id)
	}
	if row.Deleted {
		return c.JSON(http.StatusGone, GoneOutcome(resourceType, id))
	}

	SetVersionHeaders(c, row.Version, row.LastUpdated.UTC().Format(http.TimeFormat))
	return c.JSONBlob(http.StatusOK, payload)
}

// History handles GET {type}/{id}/_history.
func (h *Handler) History(c echo.Context) error {
	resourceType, id, ok := pathParams(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, InvalidOutcome("invalid resource type or id"))
	}
	limit, offset := pageParams(c)

	var versions []*persist.VersionRow
	var total int
	err := h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		var err error
		versions, total, err = h.engine.History(ctx, resourceType, id, limit, offset)
		return err
	})
	if err != nil {
		return h.writeError(c, err, resourceType, id)
	}

	entries := make([]map[string]interface{}, 0, len(versions))
	for _, v := range versions {
		entry := map[string]interface{}{
			"versionId":   v.Version,
			"lastUpdated": v.LastUpdated.UTC().Format(time.RFC3339),
			"deleted":     v.Deleted,
		}
		if !v.Deleted && v.PayloadKey == nil {
			entry["resource"] = json.RawMessage(v.Payload)
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        total,
		"entry":        entries,
	})
}

// Changes handles GET /_changes?after=N&limit=M over the change log.
func (h *Handler) Changes(c echo.Context) error {
	after, _ := strconv.ParseInt(c.QueryParam("after"), 10, 64)
	limit, _ := pageParams(c)

	var entries []persist.ChangeLogEntry
	err := h.provider.InTx(c.Request().Context(), h.configKey(c), func(ctx context.Context) error {
		var err error
		entries, err = h.engine.Changes(ctx, after, limit)
		return err
	})
	if err != nil {
		return h.writeError(c, err, "", "")
	}
	return c.JSON(http.StatusOK, entries)
}

func pageParams(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("_count"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	offset, _ = strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeError maps engine errors onto HTTP statuses. Unclassified failures
// log full detail server-side and surface a generic outcome.
func (h *Handler) writeError(c echo.Context, err error, resourceType, id string) error {
	switch {
	case errors.Is(err, persist.ErrVersionMismatch):
		return c.JSON(http.StatusConflict, ConflictOutcome(resourceType, id))
	case errors.Is(err, persist.ErrAlreadyDeleted):
		return c.JSON(http.StatusGone, GoneOutcome(resourceType, id))
	case errors.Is(err, persist.ErrNotFound):
		return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
	case errors.Is(err, persist.ErrResourceTypeNotRegistered):
		return c.JSON(http.StatusBadRequest, InvalidOutcome("resource type is not registered: "+resourceType))
	default:
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("resource", resourceType+"/"+id).
			Msg("request failed")
		return c.JSON(http.StatusInternalServerError, ServerErrorOutcome())
	}
}
