package dataset

import (
	"fmt"
	"strings"
)

// FactSchema defines the structure of a fact dataset for ClickHouse
type FactSchema interface {
	// Name returns the dataset name (e.g., "product_version_transitions")
	Name() string
	// Columns returns the column definitions for all fields, as "name:TYPE"
	Columns() []string
	// TimeColumn returns the event time column. It is appended to the column order when
	// Columns does not declare it.
	TimeColumn() string
}

// extractColumnNames returns the names of "name:TYPE" column definitions, in order.
func extractColumnNames(defs []string) ([]string, error) {
	names := make([]string, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		name, _, _ := strings.Cut(def, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid column definition %q", def)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}
