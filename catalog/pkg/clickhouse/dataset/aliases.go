package dataset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
)

// ColumnAliases maps a canonical column name to the source column names it may appear
// under, most preferred first.
type ColumnAliases map[string][]string

// ColumnMapping maps a canonical column name to the column actually present in a table.
type ColumnMapping map[string]string

// Has reports whether the canonical column was resolved.
func (m ColumnMapping) Has(canonical string) bool {
	_, ok := m[canonical]
	return ok
}

// Ident returns the quoted source identifier for a canonical column. It panics on an
// unresolved name, which is a programming error since required columns are checked at
// resolution time.
func (m ColumnMapping) Ident(canonical string) string {
	col, ok := m[canonical]
	if !ok {
		panic(fmt.Sprintf("dataset: column %q not resolved", canonical))
	}
	return clickhouse.QuoteIdentifier(col)
}

// TableColumns lists the column names of a table in the connection's current database.
func TableColumns(ctx context.Context, conn clickhouse.Connection, table string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.columns
		WHERE database = currentDatabase() AND table = ?
		ORDER BY position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found or has no columns", table)
	}
	return cols, nil
}

// ResolveColumns reads the table's columns and resolves each canonical name to the first
// alias present. Required names that cannot be resolved fail the call.
func ResolveColumns(ctx context.Context, conn clickhouse.Connection, table string, aliases ColumnAliases, required []string) (ColumnMapping, error) {
	available, err := TableColumns(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	mapping, err := resolveColumns(available, aliases, required)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table, err)
	}
	return mapping, nil
}

// resolveColumns prefers an exact alias match and falls back to a case-insensitive one.
func resolveColumns(available []string, aliases ColumnAliases, required []string) (ColumnMapping, error) {
	exact := make(map[string]string, len(available))
	folded := make(map[string]string, len(available))
	for _, col := range available {
		exact[col] = col
		key := strings.ToLower(col)
		if _, ok := folded[key]; !ok {
			folded[key] = col
		}
	}

	mapping := make(ColumnMapping, len(aliases))
	for canonical, candidates := range aliases {
		if col, ok := matchAlias(candidates, exact, folded); ok {
			mapping[canonical] = col
		}
	}

	var missing []string
	for _, canonical := range required {
		if !mapping.Has(canonical) {
			missing = append(missing, fmt.Sprintf("%s (tried %s)", canonical, strings.Join(aliases[canonical], ", ")))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, "; "))
	}
	return mapping, nil
}

func matchAlias(candidates []string, exact, folded map[string]string) (string, bool) {
	for _, c := range candidates {
		if col, ok := exact[c]; ok {
			return col, true
		}
	}
	for _, c := range candidates {
		if col, ok := folded[strings.ToLower(c)]; ok {
			return col, true
		}
	}
	return "", false
}
