package fhir

import (
	"testing"
	"time"

	"github.com/ehr/fhirstore/internal/persist/params"
)

func TestExtractBasicParameters(t *testing.T) {
	payload := []byte(`{
		"resourceType": "Patient",
		"id": "p1",
		"identifier": [
			{"system": "http://hospital.example/mrn", "value": "12345"},
			{"system": "http://hospital.example/ssn", "value": ""}
		],
		"meta": {
			"lastUpdated": "2025-06-01T12:30:00Z",
			"profile": ["http://hl7.org/fhir/StructureDefinition/Patient"],
			"tag": [{"system": "http://terminology.example/tags", "code": "test-data"}]
		}
	}`)

	values, err := ExtractBasicParameters("Patient", payload)
	if err != nil {
		t.Fatalf("ExtractBasicParameters: %v", err)
	}
	if len(values) != 4 {
		t.Fatalf("expected 4 values (empty identifier skipped), got %d", len(values))
	}

	ident, ok := values[0].(params.TokenValue)
	if !ok || ident.ParamName != "identifier" || ident.Code != "12345" {
		t.Errorf("unexpected identifier value %#v", values[0])
	}
	if ident.System != "http://hospital.example/mrn" {
		t.Errorf("unexpected identifier system %q", ident.System)
	}

	tag, ok := values[1].(params.TokenValue)
	if !ok || tag.ParamName != "_tag" || tag.Code != "test-data" {
		t.Errorf("unexpected tag value %#v", values[1])
	}

	profile, ok := values[2].(params.ReferenceValue)
	if !ok || profile.ParamName != "_profile" {
		t.Errorf("unexpected profile value %#v", values[2])
	}
	if profile.CanonicalURL != "http://hl7.org/fhir/StructureDefinition/Patient" {
		t.Errorf("unexpected canonical %q", profile.CanonicalURL)
	}

	updated, ok := values[3].(params.DateValue)
	if !ok || updated.ParamName != "_lastUpdated" {
		t.Errorf("unexpected lastUpdated value %#v", values[3])
	}
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if !updated.Start.Equal(want) || !updated.End.Equal(want) {
		t.Errorf("unexpected lastUpdated range %v..%v", updated.Start, updated.End)
	}
}

func TestExtractBasicParameters_MinimalResource(t *testing.T) {
	values, err := ExtractBasicParameters("Observation", []byte(`{"resourceType":"Observation","status":"final"}`))
	if err != nil {
		t.Fatalf("ExtractBasicParameters: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected no values for a bare resource, got %d", len(values))
	}
}

func TestExtractBasicParameters_BadJSON(t *testing.T) {
	if _, err := ExtractBasicParameters("Patient", []byte(`{"identifier":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestExtractBasicParameters_BadTimestampIgnored(t *testing.T) {
	values, err := ExtractBasicParameters("Patient",
		[]byte(`{"meta":{"lastUpdated":"yesterday"}}`))
	if err != nil {
		t.Fatalf("ExtractBasicParameters: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected unparseable timestamp dropped, got %d values", len(values))
	}
}
