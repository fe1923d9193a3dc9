package product

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	retailtesting "github.com/malbeclabs/retail/utils/pkg/testing"
)

var errTransport = errors.New("connection reset by peer")

// fakeWarehouse is an in-memory Warehouse whose clock is a clockwork.FakeClock.
type fakeWarehouse struct {
	mu    sync.Mutex
	clock *clockwork.FakeClock
	rows  []Version
	calls map[string]int

	reference map[string]string
	catalog   map[string]CatalogEntry

	nowErr       error
	historyErr   error
	referenceErr error
	catalogErr   error

	// expireErr is returned by Expire. The update is still applied when expireApplies is set.
	expireErr     error
	expireApplies bool
	// afterExpire runs after a successful expire.
	afterExpire func()
	// insertErrs are returned by successive Insert calls, then inserts succeed.
	insertErrs []error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		clock:     clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		calls:     make(map[string]int),
		reference: make(map[string]string),
		catalog:   make(map[string]CatalogEntry),
	}
}

func (f *fakeWarehouse) Now(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["now"]++
	if f.nowErr != nil {
		return time.Time{}, f.nowErr
	}
	return f.clock.Now().UTC(), nil
}

func (f *fakeWarehouse) History(ctx context.Context, naturalKey string) ([]Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["history"]++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Version
	for _, v := range f.rows {
		if v.NaturalKey == naturalKey {
			out = append(out, v)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (f *fakeWarehouse) Expire(ctx context.Context, naturalKey string, ts time.Time) (int, error) {
	f.mu.Lock()
	f.calls["expire"]++
	if f.expireErr != nil && !f.expireApplies {
		err := f.expireErr
		f.mu.Unlock()
		return 0, err
	}
	var idx []int
	for i, v := range f.rows {
		if v.NaturalKey == naturalKey && v.IsCurrent {
			idx = append(idx, i)
		}
	}
	if len(idx) != 1 {
		f.mu.Unlock()
		return len(idx), f.expireErr
	}
	f.rows[idx[0]].IsCurrent = false
	f.rows[idx[0]].ValidTo = ts
	err := f.expireErr
	hook := f.afterExpire
	f.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if hook != nil {
		hook()
	}
	return 1, nil
}

func (f *fakeWarehouse) Insert(ctx context.Context, v Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["insert"]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.rows = append(f.rows, v)
	return nil
}

func (f *fakeWarehouse) LookupReferenceID(ctx context.Context, naturalKey string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["reference"]++
	if f.referenceErr != nil {
		return nil, f.referenceErr
	}
	id, ok := f.reference[naturalKey]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (f *fakeWarehouse) LookupCatalog(ctx context.Context, naturalKey string) (*CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["catalog"]++
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	e, ok := f.catalog[naturalKey]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeWarehouse) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeWarehouse) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeWarehouse) seed(versions ...Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, versions...)
}

func (f *fakeWarehouse) snapshot(naturalKey string) []Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Version
	for _, v := range f.rows {
		if v.NaturalKey == naturalKey {
			out = append(out, v)
		}
	}
	sortNewestFirst(out)
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (a *fakeAudit) RecordTransition(_ context.Context, ev TransitionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *fakeAudit) outcomes() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Outcome, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Outcome)
	}
	return out
}

type writerFixture struct {
	wh     *fakeWarehouse
	audit  *fakeAudit
	writer *Writer
	reader *Reader
}

func newWriterFixture(t *testing.T) *writerFixture {
	t.Helper()
	log := retailtesting.NewLogger()
	wh := newFakeWarehouse()
	audit := &fakeAudit{}
	writer, err := NewWriter(WriterConfig{
		Logger:           log,
		Clock:            wh.clock,
		Warehouse:        wh,
		Resolver:         NewResolver(log, time.Second, ReferenceSource(wh), CatalogSource(wh)),
		StatementTimeout: time.Second,
		Audit:            audit,
	})
	require.NoError(t, err)
	return &writerFixture{
		wh:     wh,
		audit:  audit,
		writer: writer,
		reader: NewReader(log, wh, time.Second),
	}
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string { return &s }

func currentCount(versions []Version) int {
	n := 0
	for _, v := range versions {
		if v.IsCurrent {
			n++
		}
	}
	return n
}
