package product

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/malbeclabs/retail/catalog/pkg/metrics"
)

// Reader serves product history. It never writes.
type Reader struct {
	log     *slog.Logger
	wh      Warehouse
	timeout time.Duration
}

func NewReader(log *slog.Logger, wh Warehouse, timeout time.Duration) *Reader {
	return &Reader{log: log, wh: wh, timeout: timeout}
}

// GetHistory returns every version of a product, newest first by ValidFrom. A product with
// no versions yields an empty slice. A history that breaks the dimension's invariants is
// returned together with an *InvariantViolationError; it is never repaired here.
func (r *Reader) GetHistory(ctx context.Context, naturalKey string) ([]Version, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	versions, err := r.wh.History(ctx, naturalKey)
	if err != nil {
		return nil, storeUnavailable("read history", err)
	}
	sortNewestFirst(versions)
	if versions == nil {
		versions = []Version{}
	}
	if err := CheckInvariants(naturalKey, versions); err != nil {
		metrics.InvariantViolationsTotal.Inc()
		r.log.Error("product/reader: invariant violation", "natural_key", naturalKey, "versions", len(versions), "error", err)
		return versions, err
	}
	return versions, nil
}

// Current returns the current version of a product, nil when there is none.
func (r *Reader) Current(ctx context.Context, naturalKey string) (*Version, error) {
	versions, err := r.GetHistory(ctx, naturalKey)
	if err != nil {
		return nil, err
	}
	return currentOf(naturalKey, versions)
}

func sortNewestFirst(versions []Version) {
	slices.SortStableFunc(versions, func(a, b Version) int {
		if c := b.ValidFrom.Compare(a.ValidFrom); c != 0 {
			return c
		}
		return b.ValidTo.Compare(a.ValidTo)
	})
}

func currentOf(naturalKey string, versions []Version) (*Version, error) {
	var current *Version
	n := 0
	for i := range versions {
		if versions[i].IsCurrent {
			n++
			if current == nil {
				current = &versions[i]
			}
		}
	}
	if n > 1 {
		return nil, multipleCurrent(naturalKey, n)
	}
	return current, nil
}

// CheckInvariants validates a fetched history: at most one current version, the current
// version open-ended and latest, and no two intervals overlapping.
func CheckInvariants(naturalKey string, versions []Version) error {
	if _, err := currentOf(naturalKey, versions); err != nil {
		return err
	}

	asc := slices.Clone(versions)
	slices.SortStableFunc(asc, func(a, b Version) int {
		if c := a.ValidFrom.Compare(b.ValidFrom); c != 0 {
			return c
		}
		return a.ValidTo.Compare(b.ValidTo)
	})

	violation := func(format string, args ...any) error {
		return &InvariantViolationError{NaturalKey: naturalKey, Detail: fmt.Sprintf(format, args...)}
	}
	for i, v := range asc {
		if v.ValidTo.Before(v.ValidFrom) {
			return violation("version %s ends before it starts", v.OpID)
		}
		if v.IsCurrent && !v.IsOpen() {
			return violation("current version %s is closed at %s", v.OpID, v.ValidTo.Format(time.RFC3339Nano))
		}
		if !v.IsCurrent && v.IsOpen() {
			return violation("expired version %s is open-ended", v.OpID)
		}
		if i == 0 {
			continue
		}
		prev := asc[i-1]
		if prev.ValidTo.After(v.ValidFrom) {
			return violation("versions %s and %s overlap", prev.OpID, v.OpID)
		}
	}
	return nil
}
