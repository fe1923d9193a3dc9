package dataset

import (
	"fmt"
	"log/slog"
	"slices"
)

// FactDataset appends rows to an append-only fact table. The table itself is created by
// migrations; the dataset only knows its column order.
type FactDataset struct {
	log    *slog.Logger
	schema FactSchema
	cols   []string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	// If zero, defaults to 10,000 rows.
	WriteBatchSize int
}

func NewFactDataset(log *slog.Logger, schema FactSchema) (*FactDataset, error) {
	if schema.Name() == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(schema.Columns()) == 0 {
		return nil, fmt.Errorf("columns is required")
	}

	cols, err := extractColumnNames(schema.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to extract column names: %w", err)
	}
	if tc := schema.TimeColumn(); tc != "" && !slices.Contains(cols, tc) {
		cols = append(cols, tc)
	}

	return &FactDataset{log: log, schema: schema, cols: cols}, nil
}

func (f *FactDataset) TableName() string {
	return "fact_" + f.schema.Name()
}

// Columns returns the column names rows must be supplied in.
func (f *FactDataset) Columns() []string {
	return slices.Clone(f.cols)
}
