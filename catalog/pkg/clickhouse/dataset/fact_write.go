package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
)

const defaultWriteBatchSize = 10_000

// WriteBatch appends count rows to the fact table. rowFn returns the values of row i in the
// order of Columns. Batches larger than the sub-batch size are sent in several inserts.
func (f *FactDataset) WriteBatch(
	ctx context.Context,
	conn clickhouse.Connection,
	count int,
	rowFn func(int) ([]any, error),
) error {
	if count == 0 {
		return nil
	}

	batchSize := defaultWriteBatchSize
	if f.WriteBatchSize > 0 {
		batchSize = f.WriteBatchSize
	}

	f.log.Debug("dataset: writing fact batch", "table", f.TableName(), "count", count, "batch_size", batchSize)

	quoted := make([]string, len(f.cols))
	for i, col := range f.cols {
		quoted[i] = clickhouse.QuoteIdentifier(col)
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s)", f.TableName(), strings.Join(quoted, ", "))

	for start := 0; start < count; start += batchSize {
		end := min(start+batchSize, count)

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}

		batch, err := conn.PrepareBatch(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i := start; i < end; i++ {
			row, err := rowFn(i)
			if err != nil {
				_ = batch.Close()
				return fmt.Errorf("failed to get row data %d: %w", i, err)
			}
			if len(row) != len(f.cols) {
				_ = batch.Close()
				return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), len(f.cols))
			}
			if err := batch.Append(row...); err != nil {
				_ = batch.Close()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	return nil
}
