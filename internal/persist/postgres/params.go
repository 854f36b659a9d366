package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/fhirstore/internal/persist"
)

// Parameter table names in delete order: composite components before their
// parents, then the leaf value tables.
var parameterTables = []string{
	"composite_components",
	"composite_values",
	"str_values",
	"number_values",
	"date_values",
	"token_values",
	"quantity_values",
	"reference_values",
}

func (b *Backend) DeleteParameters(ctx context.Context, logicalResourceID int64) error {
	conn := b.conn(ctx)
	for _, table := range parameterTables {
		col := "logical_resource_id"
		if table == "composite_components" {
			// Components key off their parent composite row.
			_, err := conn.Exec(ctx, `
				DELETE FROM composite_components
				WHERE composite_id IN (
					SELECT composite_id FROM composite_values WHERE logical_resource_id = $1
				)`, logicalResourceID)
			if err != nil {
				return fmt.Errorf("delete composite_components: %w", err)
			}
			continue
		}
		_, err := conn.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, col), logicalResourceID)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func (b *Backend) InsertParameters(ctx context.Context, logicalResourceID int64, rows *persist.ParamRows) error {
	conn := b.conn(ctx)

	for _, r := range rows.Strings {
		if _, err := conn.Exec(ctx, `
			INSERT INTO str_values (logical_resource_id, parameter_name_id, str_value)
			VALUES ($1, $2, $3)`,
			logicalResourceID, r.ParameterNameID, r.Value); err != nil {
			return fmt.Errorf("insert str_values: %w", err)
		}
	}
	for _, r := range rows.Numbers {
		if _, err := conn.Exec(ctx, `
			INSERT INTO number_values (logical_resource_id, parameter_name_id, number_value, number_value_low, number_value_high)
			VALUES ($1, $2, $3, $4, $5)`,
			logicalResourceID, r.ParameterNameID, r.Value, r.Low, r.High); err != nil {
			return fmt.Errorf("insert number_values: %w", err)
		}
	}
	for _, r := range rows.Dates {
		if _, err := conn.Exec(ctx, `
			INSERT INTO date_values (logical_resource_id, parameter_name_id, date_start, date_end)
			VALUES ($1, $2, $3, $4)`,
			logicalResourceID, r.ParameterNameID, r.Start, r.End); err != nil {
			return fmt.Errorf("insert date_values: %w", err)
		}
	}
	for _, r := range rows.Tokens {
		if _, err := conn.Exec(ctx, `
			INSERT INTO token_values (logical_resource_id, parameter_name_id, common_token_value_id)
			VALUES ($1, $2, $3)`,
			logicalResourceID, r.ParameterNameID, r.CommonTokenValueID); err != nil {
			return fmt.Errorf("insert token_values: %w", err)
		}
	}
	for _, r := range rows.Quantities {
		if _, err := conn.Exec(ctx, `
			INSERT INTO quantity_values (logical_resource_id, parameter_name_id, code_system_id, code, quantity_value, quantity_value_low, quantity_value_high)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			logicalResourceID, r.ParameterNameID, r.CodeSystemID, r.Code, r.Value, r.Low, r.High); err != nil {
			return fmt.Errorf("insert quantity_values: %w", err)
		}
	}
	for _, r := range rows.References {
		if _, err := conn.Exec(ctx, `
			INSERT INTO reference_values (logical_resource_id, parameter_name_id, target_resource_type, target_logical_id, canonical_id)
			VALUES ($1, $2, $3, $4, $5)`,
			logicalResourceID, r.ParameterNameID, r.TargetType, r.TargetID, r.CanonicalID); err != nil {
			return fmt.Errorf("insert reference_values: %w", err)
		}
	}
	for _, comp := range rows.Composites {
		var compositeID int64
		if err := conn.QueryRow(ctx, `
			INSERT INTO composite_values (logical_resource_id, parameter_name_id)
			VALUES ($1, $2)
			RETURNING composite_id`,
			logicalResourceID, comp.ParameterNameID).Scan(&compositeID); err != nil {
			return fmt.Errorf("insert composite_values: %w", err)
		}
		for _, c := range comp.Components {
			if _, err := conn.Exec(ctx, `
				INSERT INTO composite_components (composite_id, ordinal, value_string, value_number, value_date_start, value_date_end, common_token_value_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				compositeID, c.Ordinal, c.ValueString, c.ValueNumber,
				c.ValueDateStart, c.ValueDateEnd, c.CommonTokenValueID); err != nil {
				return fmt.Errorf("insert composite_components: %w", err)
			}
		}
	}
	return nil
}

// Dictionary upsert-then-fetch. Inputs arrive pre-sorted in the engine's
// global order; the ON CONFLICT DO NOTHING insert then the fetch both walk
// the keys in that order, which bounds deadlock risk when concurrent
// writers touch overlapping dictionary values.

func (b *Backend) ResolveParameterNames(ctx context.Context, names []string) (map[string]int, error) {
	conn := b.conn(ctx)
	for _, name := range names {
		if _, err := conn.Exec(ctx, `
			INSERT INTO parameter_names (parameter_name) VALUES ($1)
			ON CONFLICT DO NOTHING`, name); err != nil {
			return nil, fmt.Errorf("upsert parameter_names: %w", err)
		}
	}

	result := make(map[string]int, len(names))
	rows, err := conn.Query(ctx, `
		SELECT parameter_name, parameter_name_id FROM parameter_names
		WHERE parameter_name = ANY($1)
		ORDER BY parameter_name`, names)
	if err != nil {
		return nil, fmt.Errorf("fetch parameter_names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		result[name] = id
	}
	return result, rows.Err()
}

func (b *Backend) ResolveCodeSystems(ctx context.Context, systems []string) (map[string]int, error) {
	conn := b.conn(ctx)
	for _, system := range systems {
		if _, err := conn.Exec(ctx, `
			INSERT INTO code_systems (code_system_name) VALUES ($1)
			ON CONFLICT DO NOTHING`, system); err != nil {
			return nil, fmt.Errorf("upsert code_systems: %w", err)
		}
	}

	result := make(map[string]int, len(systems))
	rows, err := conn.Query(ctx, `
		SELECT code_system_name, code_system_id FROM code_systems
		WHERE code_system_name = ANY($1)
		ORDER BY code_system_name`, systems)
	if err != nil {
		return nil, fmt.Errorf("fetch code_systems: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		result[name] = id
	}
	return result, rows.Err()
}

func (b *Backend) ResolveCommonTokenValues(ctx context.Context, keys []persist.TokenKey) (map[persist.TokenKey]int64, error) {
	conn := b.conn(ctx)
	for _, key := range keys {
		if _, err := conn.Exec(ctx, `
			INSERT INTO common_token_values (code_system_id, token_value)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, key.CodeSystemID, key.Value); err != nil {
			return nil, fmt.Errorf("upsert common_token_values: %w", err)
		}
	}

	// Fetch with a values list keeps this one round trip per batch.
	var sb strings.Builder
	args := make([]interface{}, 0, len(keys)*2)
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($%d::int,$%d::varchar)", i*2+1, i*2+2)
		args = append(args, key.CodeSystemID, key.Value)
	}

	result := make(map[persist.TokenKey]int64, len(keys))
	rows, err := conn.Query(ctx, `
		SELECT c.code_system_id, c.token_value, c.common_token_value_id
		FROM common_token_values c
		JOIN (VALUES `+sb.String()+`) AS v(code_system_id, token_value)
			ON c.code_system_id = v.code_system_id AND c.token_value = v.token_value
		ORDER BY c.code_system_id, c.token_value`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch common_token_values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key persist.TokenKey
		var id int64
		if err := rows.Scan(&key.CodeSystemID, &key.Value, &id); err != nil {
			return nil, err
		}
		result[key] = id
	}
	return result, rows.Err()
}

func (b *Backend) ResolveCanonicalValues(ctx context.Context, urls []string) (map[string]int64, error) {
	conn := b.conn(ctx)
	for _, url := range urls {
		if _, err := conn.Exec(ctx, `
			INSERT INTO common_canonical_values (url) VALUES ($1)
			ON CONFLICT DO NOTHING`, url); err != nil {
			return nil, fmt.Errorf("upsert common_canonical_values: %w", err)
		}
	}

	result := make(map[string]int64, len(urls))
	rows, err := conn.Query(ctx, `
		SELECT url, canonical_id FROM common_canonical_values
		WHERE url = ANY($1)
		ORDER BY url`, urls)
	if err != nil {
		return nil, fmt.Errorf("fetch common_canonical_values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var url string
		var id int64
		if err := rows.Scan(&url, &id); err != nil {
			return nil, err
		}
		result[url] = id
	}
	return result, rows.Err()
}
