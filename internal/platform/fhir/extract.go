package fhir

import (
	"encoding/json"
	"time"

	"github.com/ehr/fhirstore/internal/persist/params"
)

// ExtractBasicParameters derives a minimal parameter set from common
// resource elements: identifier and meta.tag tokens, meta.profile
// canonicals, and meta.lastUpdated. Full FHIRPath extraction is owned by
// the search layer; this stands in at the boundary so every stored resource
// is at least findable by identifier.
func ExtractBasicParameters(resourceType string, payload []byte) ([]params.Value, error) {
	var doc struct {
		Identifier []struct {
			System string `json:"system"`
			Value  string `json:"value"`
		} `json:"identifier"`
		Meta struct {
			LastUpdated string   `json:"lastUpdated"`
			Profile     []string `json:"profile"`
			Tag         []struct {
				System string `json:"system"`
				Code   string `json:"code"`
			} `json:"tag"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}

	var values []params.Value
	for _, ident := range doc.Identifier {
		if ident.Value == "" {
			continue
		}
		values = append(values, params.TokenValue{
			ParamName: "identifier",
			System:    ident.System,
			Code:      ident.Value,
		})
	}
	for _, tag := range doc.Meta.Tag {
		if tag.Code == "" {
			continue
		}
		values = append(values, params.TokenValue{
			ParamName: "_tag",
			System:    tag.System,
			Code:      tag.Code,
		})
	}
	for _, profile := range doc.Meta.Profile {
		values = append(values, params.ReferenceValue{
			ParamName:    "_profile",
			CanonicalURL: profile,
		})
	}
	if doc.Meta.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Meta.LastUpdated); err == nil {
			values = append(values, params.DateValue{
				ParamName: "_lastUpdated",
				Start:     ts,
				End:       ts,
			})
		}
	}
	return values, nil
}
