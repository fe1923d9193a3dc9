package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/retail/catalog/pkg/lease"
	"github.com/malbeclabs/retail/catalog/pkg/metrics"
)

const defaultStatementTimeout = 30 * time.Second

type WriterConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Warehouse Warehouse
	Resolver  *Resolver
	// Locker serializes writers of the same product. Defaults to an in-process lock.
	Locker lease.Locker
	// StatementTimeout bounds each warehouse statement on its own.
	StatementTimeout time.Duration
	// Audit is optional.
	Audit AuditSink
}

func (cfg *WriterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Locker == nil {
		cfg.Locker = lease.NewLocal()
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = defaultStatementTimeout
	}
	return nil
}

// Writer installs new product versions. A transition is two statements, expire then insert,
// and the warehouse cannot run them atomically. Failures between them are surfaced as
// *PartialTransitionError and finished with CompleteTransition.
type Writer struct {
	log *slog.Logger
	cfg WriterConfig
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{log: cfg.Logger, cfg: cfg}, nil
}

// ApplyVersion closes the current version of naturalKey, if any, and installs a new current
// version with the given attributes. Attributes not supplied are carried forward.
func (w *Writer) ApplyVersion(ctx context.Context, naturalKey string, attrs NewAttributes) (*Version, error) {
	naturalKey = strings.TrimSpace(naturalKey)
	if naturalKey == "" {
		return nil, invalidAttribute("product name is required")
	}
	if err := validatePrice(attrs.Price); err != nil {
		return nil, err
	}

	unlock, err := w.cfg.Locker.Lock(ctx, leaseKey(naturalKey))
	if err != nil {
		return nil, storeUnavailable("acquire lease", err)
	}
	defer unlock()

	history, err := w.history(ctx, naturalKey)
	if err != nil {
		return nil, err
	}
	prior, err := currentOf(naturalKey, history)
	if err != nil {
		w.reportViolation(ctx, naturalKey, uuid.Nil, err)
		return nil, err
	}
	var basis *Version
	switch {
	case prior != nil:
		basis = prior
	case len(history) > 0:
		basis = &history[0]
	}

	var knownID *string
	if basis != nil {
		knownID = basis.EntityID
	}
	entityID := w.cfg.Resolver.Resolve(ctx, naturalKey, knownID)
	category := w.category(ctx, naturalKey, attrs.Category, basis)

	ts, err := w.now(ctx)
	if err != nil {
		return nil, err
	}
	ts = clampStart(ts, history)

	next := Version{
		EntityID:   entityID,
		NaturalKey: naturalKey,
		Attributes: Attributes{
			Category:    category,
			Price:       attrs.Price,
			Description: attrs.Description,
		},
		ValidFrom:  ts,
		ValidTo:    OpenValidTo,
		IsCurrent:  true,
		OpID:       uuid.New(),
		IngestedAt: w.cfg.Clock.Now().UTC().Truncate(time.Millisecond),
	}
	pending := PendingTransition{OpID: next.OpID, Version: next}

	if prior != nil {
		priorOpID := prior.OpID
		pending.PriorOpID = &priorOpID

		matched, err := w.expire(ctx, naturalKey, ts)
		if err != nil {
			if errors.Is(err, ErrMutationNotSent) {
				return nil, storeUnavailable("expire current version", err)
			}
			pending.ExpireUncertain = true
			return nil, w.partial(ctx, pending, err)
		}
		if matched > 1 {
			verr := multipleCurrent(naturalKey, matched)
			w.reportViolation(ctx, naturalKey, next.OpID, verr)
			return nil, verr
		}
		if matched == 0 {
			w.log.Warn("product/writer: current version vanished before expire", "natural_key", naturalKey, "prior_op_id", priorOpID)
		}
	}

	if err := w.insert(ctx, next); err != nil {
		return nil, w.partial(ctx, pending, err)
	}

	w.log.Info("product/writer: version applied",
		"natural_key", naturalKey, "op_id", next.OpID, "valid_from", next.ValidFrom, "expired_prior", prior != nil)
	w.record(ctx, next, OutcomeApplied, "")
	return &next, nil
}

// CompleteTransition finishes a transition that failed with *PartialTransitionError. It
// re-reads the product first and only writes what is still missing: nothing when the
// pending version or another writer's version is already current, the expire and insert
// when the prior version is still current, and the insert otherwise.
func (w *Writer) CompleteTransition(ctx context.Context, pending PendingTransition) (*Version, error) {
	naturalKey := pending.Version.NaturalKey
	if naturalKey == "" || pending.OpID == uuid.Nil || pending.OpID != pending.Version.OpID {
		return nil, invalidAttribute("malformed pending transition")
	}
	if err := validatePrice(pending.Version.Price); err != nil {
		return nil, err
	}

	unlock, err := w.cfg.Locker.Lock(ctx, leaseKey(naturalKey))
	if err != nil {
		return nil, storeUnavailable("acquire lease", err)
	}
	defer unlock()

	history, err := w.history(ctx, naturalKey)
	if err != nil {
		return nil, err
	}
	current, err := currentOf(naturalKey, history)
	if err != nil {
		w.reportViolation(ctx, naturalKey, pending.OpID, err)
		return nil, err
	}

	next := pending.Version
	next.ValidTo = OpenValidTo
	next.IsCurrent = true

	switch {
	case current != nil && current.OpID == pending.OpID:
		w.log.Info("product/writer: pending version already installed", "natural_key", naturalKey, "op_id", pending.OpID)
		w.record(ctx, *current, OutcomeSkipped, "already installed")
		return current, nil

	case current != nil && pending.PriorOpID != nil && current.OpID == *pending.PriorOpID:
		pending.ExpireUncertain = false
		matched, err := w.expire(ctx, naturalKey, next.ValidFrom)
		if err != nil {
			if errors.Is(err, ErrMutationNotSent) {
				return nil, storeUnavailable("expire current version", err)
			}
			pending.ExpireUncertain = true
			return nil, w.partial(ctx, pending, err)
		}
		if matched > 1 {
			verr := multipleCurrent(naturalKey, matched)
			w.reportViolation(ctx, naturalKey, pending.OpID, verr)
			return nil, verr
		}

	case current != nil:
		w.log.Info("product/writer: another version became current, not inserting",
			"natural_key", naturalKey, "op_id", pending.OpID, "current_op_id", current.OpID)
		w.record(ctx, next, OutcomeSkipped, fmt.Sprintf("superseded by %s", current.OpID))
		return current, nil

	default:
		for i := range history {
			if history[i].OpID == pending.OpID {
				w.log.Info("product/writer: pending version installed and since expired", "natural_key", naturalKey, "op_id", pending.OpID)
				w.record(ctx, history[i], OutcomeSkipped, "already installed and expired")
				return &history[i], nil
			}
		}
		// Newer versions were written after this transition failed; inserting it now would
		// overlap them.
		if later := supersededBy(next.ValidFrom, history); later != nil {
			w.log.Info("product/writer: pending version superseded by later history, not inserting",
				"natural_key", naturalKey, "op_id", pending.OpID, "later_op_id", later.OpID)
			w.record(ctx, next, OutcomeSkipped, fmt.Sprintf("superseded by %s", later.OpID))
			return later, nil
		}
	}

	if err := w.insert(ctx, next); err != nil {
		pending.ExpireUncertain = false
		return nil, w.partial(ctx, pending, err)
	}

	w.log.Info("product/writer: transition completed", "natural_key", naturalKey, "op_id", next.OpID)
	w.record(ctx, next, OutcomeCompleted, "")
	return &next, nil
}

func (w *Writer) history(ctx context.Context, naturalKey string) ([]Version, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatementTimeout)
	defer cancel()
	start := w.cfg.Clock.Now()
	versions, err := w.cfg.Warehouse.History(ctx, naturalKey)
	w.observe("history", start, err)
	if err != nil {
		return nil, storeUnavailable("read history", err)
	}
	sortNewestFirst(versions)
	return versions, nil
}

func (w *Writer) now(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatementTimeout)
	defer cancel()
	start := w.cfg.Clock.Now()
	ts, err := w.cfg.Warehouse.Now(ctx)
	w.observe("now", start, err)
	if err != nil {
		return time.Time{}, storeUnavailable("read warehouse clock", err)
	}
	return ts.UTC().Truncate(time.Millisecond), nil
}

func (w *Writer) expire(ctx context.Context, naturalKey string, ts time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatementTimeout)
	defer cancel()
	start := w.cfg.Clock.Now()
	n, err := w.cfg.Warehouse.Expire(ctx, naturalKey, ts)
	w.observe("expire", start, err)
	return n, err
}

// insert runs detached from the caller's cancellation: once the prior version is expired,
// a cancelled request must not leave the product without a current version.
func (w *Writer) insert(ctx context.Context, v Version) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StatementTimeout)
	defer cancel()
	start := w.cfg.Clock.Now()
	err := w.cfg.Warehouse.Insert(ctx, v)
	w.observe("insert", start, err)
	return err
}

func (w *Writer) observe(statement string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StatementDuration.WithLabelValues(statement, status).Observe(w.cfg.Clock.Since(start).Seconds())
}

// category picks the requested category, then the basis version's, then the catalog's.
func (w *Writer) category(ctx context.Context, naturalKey string, requested *string, basis *Version) string {
	if requested != nil {
		if c := strings.TrimSpace(*requested); c != "" {
			return c
		}
	}
	if basis != nil && basis.Category != "" {
		return basis.Category
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.StatementTimeout)
	defer cancel()
	entry, err := w.cfg.Warehouse.LookupCatalog(ctx, naturalKey)
	if err != nil {
		w.log.Warn("product/writer: catalog category lookup failed", "natural_key", naturalKey, "error", err)
	} else if entry != nil && entry.Category != "" {
		return entry.Category
	}
	return UnknownCategory
}

func (w *Writer) partial(ctx context.Context, pending PendingTransition, err error) error {
	perr := &PartialTransitionError{Pending: pending, Err: err}
	w.log.Error("product/writer: partial transition",
		"natural_key", pending.Version.NaturalKey, "op_id", pending.OpID, "expire_uncertain", pending.ExpireUncertain, "error", err)
	w.record(ctx, pending.Version, OutcomePartial, err.Error())
	return perr
}

func (w *Writer) reportViolation(ctx context.Context, naturalKey string, opID uuid.UUID, err error) {
	metrics.InvariantViolationsTotal.Inc()
	w.log.Error("product/writer: invariant violation, not writing", "natural_key", naturalKey, "error", err)
	w.record(ctx, Version{NaturalKey: naturalKey, OpID: opID}, OutcomeInvariantViolation, err.Error())
}

func (w *Writer) record(ctx context.Context, v Version, outcome Outcome, detail string) {
	metrics.TransitionsTotal.WithLabelValues(string(outcome)).Inc()
	if w.cfg.Audit == nil {
		return
	}
	w.cfg.Audit.RecordTransition(ctx, TransitionEvent{
		EventTS:    w.cfg.Clock.Now().UTC(),
		OpID:       v.OpID,
		NaturalKey: v.NaturalKey,
		EntityID:   v.EntityID,
		Outcome:    outcome,
		Price:      v.Price,
		Detail:     detail,
	})
}

// supersededBy returns the newest version that starts, or ends, after from. History is
// sorted newest first.
func supersededBy(from time.Time, history []Version) *Version {
	for i := range history {
		v := &history[i]
		if v.ValidFrom.After(from) || (!v.IsOpen() && v.ValidTo.After(from)) {
			return v
		}
	}
	return nil
}

// clampStart moves ts forward so the new version cannot start before the latest stored
// version ends, or before the current version starts.
func clampStart(ts time.Time, history []Version) time.Time {
	for _, v := range history {
		floor := v.ValidTo
		if v.IsCurrent || v.IsOpen() {
			floor = v.ValidFrom
		}
		if ts.Before(floor) {
			ts = floor
		}
	}
	return ts
}

func leaseKey(naturalKey string) string {
	return "product:" + naturalKey
}
