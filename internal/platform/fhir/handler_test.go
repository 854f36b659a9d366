package fhir

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/persist"
)

func resourceContext(method, resourceType, id string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	// The raw segments go in via SetParamValues only; building the request
	// target from them would make it malformed for the invalid cases.
	req := httptest.NewRequest(method, "/fhir/x/y", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type", "id")
	c.SetParamValues(resourceType, id)
	return c, rec
}

func TestPathParams(t *testing.T) {
	valid := [][2]string{
		{"Patient", "p1"},
		{"Observation", "obs-1.2"},
		{"MedicationRequest", "A-b.C"},
	}
	for _, tc := range valid {
		c, _ := resourceContext(http.MethodGet, tc[0], tc[1])
		if _, _, ok := pathParams(c); !ok {
			t.Errorf("expected %s/%s accepted", tc[0], tc[1])
		}
	}

	invalid := [][2]string{
		{"patient", "p1"},  // lowercase type
		{"P", "p1"},        // type too short
		{"Patient", ""},    // empty id
		{"Patient", "a b"}, // whitespace in id
		{"Patient", "p_1"}, // underscore not allowed in ids
		{"Pat;ent", "p1"},  // punctuation in type
	}
	for _, tc := range invalid {
		c, _ := resourceContext(http.MethodGet, tc[0], tc[1])
		if _, _, ok := pathParams(c); ok {
			t.Errorf("expected %s/%s rejected", tc[0], tc[1])
		}
	}
}

func queryContext(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/_changes?"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestPageParams(t *testing.T) {
	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 100, 0},
		{"_count=25&_offset=50", 25, 50},
		{"_count=0", 100, 0},
		{"_count=5000", 100, 0},
		{"_count=-3&_offset=-9", 100, 0},
		{"_count=abc", 100, 0},
	}
	for _, tc := range cases {
		limit, offset := pageParams(queryContext(tc.query))
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Errorf("pageParams(%q) = (%d, %d), want (%d, %d)",
				tc.query, limit, offset, tc.wantLimit, tc.wantOffset)
		}
	}
}

func TestWriteError_StatusMapping(t *testing.T) {
	h := NewHandler(nil, nil, nil, "default", zerolog.Nop())

	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{persist.ErrVersionMismatch, http.StatusConflict, IssueTypeConflict},
		{persist.ErrAlreadyDeleted, http.StatusGone, IssueTypeDeleted},
		{persist.ErrNotFound, http.StatusNotFound, IssueTypeNotFound},
		{persist.ErrResourceTypeNotRegistered, http.StatusBadRequest, IssueTypeInvalid},
		{errors.New("pq: relation missing"), http.StatusInternalServerError, IssueTypeProcessing},
	}
	for _, tc := range cases {
		c, rec := resourceContext(http.MethodPut, "Patient", "p1")
		if err := h.writeError(c, tc.err, "Patient", "p1"); err != nil {
			t.Fatalf("writeError(%v): %v", tc.err, err)
		}
		if rec.Code != tc.wantStatus {
			t.Errorf("writeError(%v) status = %d, want %d", tc.err, rec.Code, tc.wantStatus)
			continue
		}
		var outcome OperationOutcome
		if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
		if outcome.Issue[0].Code != tc.wantCode {
			t.Errorf("writeError(%v) issue code = %s, want %s", tc.err, outcome.Issue[0].Code, tc.wantCode)
		}
	}
}

func TestWriteError_InternalHidesDetail(t *testing.T) {
	h := NewHandler(nil, nil, nil, "default", zerolog.Nop())
	c, rec := resourceContext(http.MethodGet, "Patient", "p1")

	if err := h.writeError(c, errors.New("connect to 10.0.0.7:5432 refused"), "Patient", "p1"); err != nil {
		t.Fatalf("writeError: %v", err)
	}
	var outcome OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Issue[0].Diagnostics == "" {
		t.Error("expected generic diagnostics")
	}
	if got := outcome.Issue[0].Diagnostics; got != "an internal error occurred while processing the request" {
		t.Errorf("diagnostics leaked detail: %q", got)
	}
}

func TestUpdate_RejectsInvalidPath(t *testing.T) {
	h := NewHandler(nil, nil, nil, "default", zerolog.Nop())
	c, rec := resourceContext(http.MethodPut, "patient", "p1")

	if err := h.Update(c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid type, got %d", rec.Code)
	}
}

func TestVRead_RejectsBadVersionID(t *testing.T) {
	h := NewHandler(nil, nil, nil, "default", zerolog.Nop())

	for _, vid := range []string{"0", "-1", "latest"} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1/_history/"+vid, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("type", "id", "vid")
		c.SetParamValues("Patient", "p1", vid)

		if err := h.VRead(c); err != nil {
			t.Fatalf("VRead: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for vid %q, got %d", vid, rec.Code)
		}
	}
}

func TestConfigKey_TenantHeader(t *testing.T) {
	h := NewHandler(nil, nil, nil, "default", zerolog.Nop())

	c, _ := resourceContext(http.MethodGet, "Patient", "p1")
	if key := h.configKey(c); key.Tenant != "default" {
		t.Errorf("expected default tenant, got %q", key.Tenant)
	}

	c, _ = resourceContext(http.MethodGet, "Patient", "p1")
	c.Request().Header.Set("X-Tenant-ID", "acme")
	if key := h.configKey(c); key.Tenant != "acme" {
		t.Errorf("expected header tenant, got %q", key.Tenant)
	}

	c, _ = resourceContext(http.MethodGet, "Patient", "p1")
	c.Request().Header.Set("X-Tenant-ID", "bad;tenant")
	key := h.configKey(c)
	if key.Tenant != "default" {
		t.Errorf("expected invalid tenant replaced by default, got %q", key.Tenant)
	}
	if key.Strategy != "tenant-schema" || key.Datastore != "default" {
		t.Errorf("unexpected key %+v", key)
	}
}
