package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/clickhouse/dataset"
)

// Outcome is the result of a writer call as recorded in the audit trail.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomePartial            Outcome = "partial"
	OutcomeCompleted          Outcome = "completed"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeInvariantViolation Outcome = "invariant_violation"
)

// TransitionEvent is one audited writer outcome.
type TransitionEvent struct {
	EventTS    time.Time
	OpID       uuid.UUID
	NaturalKey string
	EntityID   *string
	Outcome    Outcome
	Price      decimal.Decimal
	Detail     string
}

// AuditSink records writer outcomes. Recording is best-effort and must not fail a write.
type AuditSink interface {
	RecordTransition(ctx context.Context, ev TransitionEvent)
}

type transitionsSchema struct{}

func (transitionsSchema) Name() string { return "product_version_transitions" }

func (transitionsSchema) Columns() []string {
	return []string{
		"event_ts:DateTime64(3)",
		"ingested_at:DateTime64(3)",
		"op_id:UUID",
		"natural_key:String",
		"entity_id:Nullable(String)",
		"outcome:LowCardinality(String)",
		"price:Decimal(18,2)",
		"detail:String",
	}
}

func (transitionsSchema) TimeColumn() string { return "event_ts" }

type AuditConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	ClickHouse clickhouse.Client
	Timeout    time.Duration
}

func (cfg *AuditConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return nil
}

// TransitionAudit appends writer outcomes to the transitions fact table.
type TransitionAudit struct {
	log *slog.Logger
	cfg AuditConfig
	ds  *dataset.FactDataset
}

func NewTransitionAudit(cfg AuditConfig) (*TransitionAudit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := dataset.NewFactDataset(cfg.Logger, transitionsSchema{})
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions dataset: %w", err)
	}
	return &TransitionAudit{log: cfg.Logger, cfg: cfg, ds: ds}, nil
}

func (a *TransitionAudit) RecordTransition(ctx context.Context, ev TransitionEvent) {
	if err := a.Write(ctx, []TransitionEvent{ev}); err != nil {
		a.log.Warn("product/audit: failed to record transition", "natural_key", ev.NaturalKey, "op_id", ev.OpID, "outcome", ev.Outcome, "error", err)
	}
}

// Write appends events. It is detached from ctx cancellation and bounded by the configured
// timeout.
func (a *TransitionAudit) Write(ctx context.Context, events []TransitionEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
	defer cancel()

	conn, err := a.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	ingestedAt := a.cfg.Clock.Now().UTC()
	return a.ds.WriteBatch(clickhouse.ContextWithSyncInsert(ctx), conn, len(events), func(i int) ([]any, error) {
		ev := events[i]
		return []any{
			ev.EventTS.UTC(),
			ingestedAt,
			ev.OpID,
			ev.NaturalKey,
			ev.EntityID,
			string(ev.Outcome),
			ev.Price,
			ev.Detail,
		}, nil
	})
}
