package persist

import (
	"context"
	"fmt"
	"sort"

	"github.com/ehr/fhirstore/internal/persist/params"
)

// replaceParameters deletes every prior parameter row for the logical
// resource and inserts the new set. Dictionary values (parameter names, code
// systems, token pairs, canonical URLs) resolve to surrogate ids through a
// sorted upsert-then-fetch: every writer touches overlapping dictionary rows
// in the same lexicographic order, which is what keeps concurrent writers
// from deadlocking on each other.
func (e *Engine) replaceParameters(ctx context.Context, logicalResourceID int64, values []params.Value) error {
	if err := e.backend.DeleteParameters(ctx, logicalResourceID); err != nil {
		return dataErr("delete parameters", err)
	}
	if len(values) == 0 {
		return nil
	}

	rows, err := e.resolveRows(ctx, values)
	if err != nil {
		return err
	}
	if rows.Empty() {
		return nil
	}
	if err := e.backend.InsertParameters(ctx, logicalResourceID, rows); err != nil {
		return dataErr("insert parameters", err)
	}
	return nil
}

// resolveRows turns extracted values into insertable rows with all
// dictionary references resolved.
func (e *Engine) resolveRows(ctx context.Context, values []params.Value) (*ParamRows, error) {
	names := collectNames(values)
	nameIDs, err := e.backend.ResolveParameterNames(ctx, names)
	if err != nil {
		return nil, dataErr("resolve parameter names", err)
	}

	systems := collectSystems(values)
	var systemIDs map[string]int
	if len(systems) > 0 {
		systemIDs, err = e.backend.ResolveCodeSystems(ctx, systems)
		if err != nil {
			return nil, dataErr("resolve code systems", err)
		}
	}

	tokenKeys := collectTokenKeys(values, systemIDs)
	var tokenIDs map[TokenKey]int64
	if len(tokenKeys) > 0 {
		tokenIDs, err = e.backend.ResolveCommonTokenValues(ctx, tokenKeys)
		if err != nil {
			return nil, dataErr("resolve token values", err)
		}
	}

	canonicals := collectCanonicals(values)
	var canonicalIDs map[string]int64
	if len(canonicals) > 0 {
		canonicalIDs, err = e.backend.ResolveCanonicalValues(ctx, canonicals)
		if err != nil {
			return nil, dataErr("resolve canonical values", err)
		}
	}

	rows := &ParamRows{}
	for _, v := range values {
		if err := appendRow(rows, v, nameIDs, systemIDs, tokenIDs, canonicalIDs); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func appendRow(rows *ParamRows, v params.Value, nameIDs map[string]int,
	systemIDs map[string]int, tokenIDs map[TokenKey]int64, canonicalIDs map[string]int64) error {

	nameID, ok := nameIDs[v.Name()]
	if !ok {
		return dataErr("resolve parameter names", fmt.Errorf("no id for parameter %q", v.Name()))
	}

	switch p := v.(type) {
	case params.StringValue:
		rows.Strings = append(rows.Strings, StringRow{ParameterNameID: nameID, Value: p.Value})

	case params.NumberValue:
		rows.Numbers = append(rows.Numbers, NumberRow{ParameterNameID: nameID, Value: p.Value, Low: p.Low, High: p.High})

	case params.DateValue:
		rows.Dates = append(rows.Dates, DateRow{ParameterNameID: nameID, Start: p.Start, End: p.End})

	case params.TokenValue:
		key := TokenKey{CodeSystemID: systemIDs[p.System], Value: p.Code}
		id, ok := tokenIDs[key]
		if !ok {
			return dataErr("resolve token values", fmt.Errorf("no id for token %s|%s", p.System, p.Code))
		}
		rows.Tokens = append(rows.Tokens, TokenRow{ParameterNameID: nameID, CommonTokenValueID: id})

	case params.QuantityValue:
		rows.Quantities = append(rows.Quantities, QuantityRow{
			ParameterNameID: nameID,
			CodeSystemID:    systemIDs[p.System],
			Code:            p.Code,
			Value:           p.Value,
			Low:             p.Low,
			High:            p.High,
		})

	case params.ReferenceValue:
		row := ReferenceRow{ParameterNameID: nameID, TargetType: p.TargetType, TargetID: p.TargetID}
		if p.CanonicalURL != "" {
			id, ok := canonicalIDs[p.CanonicalURL]
			if !ok {
				return dataErr("resolve canonical values", fmt.Errorf("no id for canonical %q", p.CanonicalURL))
			}
			row.CanonicalID = &id
		}
		rows.References = append(rows.References, row)

	case params.CompositeValue:
		comp := CompositeRow{ParameterNameID: nameID}
		for i, c := range p.Components {
			cr := ComponentRow{Ordinal: i}
			switch cv := c.(type) {
			case params.StringValue:
				s := cv.Value
				cr.ValueString = &s
			case params.NumberValue:
				n := cv.Value
				cr.ValueNumber = &n
			case params.DateValue:
				start, end := cv.Start, cv.End
				cr.ValueDateStart = &start
				cr.ValueDateEnd = &end
			case params.TokenValue:
				key := TokenKey{CodeSystemID: systemIDs[cv.System], Value: cv.Code}
				id, ok := tokenIDs[key]
				if !ok {
					return dataErr("resolve token values", fmt.Errorf("no id for token %s|%s", cv.System, cv.Code))
				}
				cr.CommonTokenValueID = &id
			case params.QuantityValue:
				n := cv.Value
				cr.ValueNumber = &n
				key := TokenKey{CodeSystemID: systemIDs[cv.System], Value: cv.Code}
				if id, ok := tokenIDs[key]; ok {
					cr.CommonTokenValueID = &id
				}
			default:
				return dataErr("build composite", fmt.Errorf("unsupported component kind %s", c.Kind()))
			}
			comp.Components = append(comp.Components, cr)
		}
		rows.Composites = append(rows.Composites, comp)
	}
	return nil
}

// collectNames gathers the distinct parameter names, sorted. Composite
// components share their parent's name, so only top-level names register.
func collectNames(values []params.Value) []string {
	seen := make(map[string]struct{})
	for _, v := range values {
		seen[v.Name()] = struct{}{}
	}
	return sortedKeys(seen)
}

func collectSystems(values []params.Value) []string {
	seen := make(map[string]struct{})
	var visit func(v params.Value)
	visit = func(v params.Value) {
		switch p := v.(type) {
		case params.TokenValue:
			seen[p.System] = struct{}{}
		case params.QuantityValue:
			seen[p.System] = struct{}{}
		case params.CompositeValue:
			for _, c := range p.Components {
				visit(c)
			}
		}
	}
	for _, v := range values {
		visit(v)
	}
	return sortedKeys(seen)
}

// collectTokenKeys gathers distinct (code_system_id, value) pairs sorted by
// system id then value; this is the global lock-acquisition order for the
// common_token_values table.
func collectTokenKeys(values []params.Value, systemIDs map[string]int) []TokenKey {
	seen := make(map[TokenKey]struct{})
	var visit func(v params.Value)
	visit = func(v params.Value) {
		switch p := v.(type) {
		case params.TokenValue:
			seen[TokenKey{CodeSystemID: systemIDs[p.System], Value: p.Code}] = struct{}{}
		case params.QuantityValue:
			seen[TokenKey{CodeSystemID: systemIDs[p.System], Value: p.Code}] = struct{}{}
		case params.CompositeValue:
			for _, c := range p.Components {
				visit(c)
			}
		}
	}
	for _, v := range values {
		visit(v)
	}

	keys := make([]TokenKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CodeSystemID != keys[j].CodeSystemID {
			return keys[i].CodeSystemID < keys[j].CodeSystemID
		}
		return keys[i].Value < keys[j].Value
	})
	return keys
}

func collectCanonicals(values []params.Value) []string {
	seen := make(map[string]struct{})
	for _, v := range values {
		if p, ok := v.(params.ReferenceValue); ok && p.CanonicalURL != "" {
			seen[p.CanonicalURL] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
