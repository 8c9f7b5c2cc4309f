// Package syncer keeps a local store caught up with the ledger. Each tick
// reads the durable checkpoint, fetches the next batch of events, applies
// them with idempotent upserts, and only then moves the checkpoint.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/roundctl/internal/ledger"
	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/store"
	"github.com/danmuck/roundctl/internal/workpool"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 10
)

type TakePolicy string

const (
	TakeIgnore TakePolicy = "ignore"
	TakeAlways TakePolicy = "always"
)

func ParseTakePolicy(s string) (TakePolicy, error) {
	switch p := TakePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", TakeIgnore:
		return TakeIgnore, nil
	case TakeAlways:
		return TakeAlways, nil
	default:
		return "", fmt.Errorf("syncer: unknown take policy %q", s)
	}
}

// Source is the slice of the ledger API the synchronizer reads.
type Source interface {
	QueryEvents(ctx context.Context, from, count uint64) (ledger.EventsResponse, error)
	EventBounds(ctx context.Context) (first, total uint64, err error)
}

// Taker receives newly observed tasks when the policy is TakeAlways.
type Taker interface {
	Accepts(taskType string) bool
	Take(ctx context.Context, rec round.TaskRecord)
}

type Config struct {
	Interval   time.Duration
	BatchSize  uint64
	TakePolicy TakePolicy
}

func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, BatchSize: DefaultBatchSize, TakePolicy: TakeIgnore}
}

type Syncer struct {
	cfg   Config
	src   Source
	store store.Store
	taker Taker
	pool  *workpool.Pool
}

// New builds a synchronizer. taker and pool may be nil when the policy is
// TakeIgnore.
func New(cfg Config, src Source, st store.Store, taker Taker, pool *workpool.Pool) *Syncer {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.TakePolicy == "" {
		cfg.TakePolicy = d.TakePolicy
	}
	return &Syncer{cfg: cfg, src: src, store: st, taker: taker, pool: pool}
}

// TickResult summarizes one tick.
type TickResult struct {
	Fetched    int
	Applied    int
	Skipped    int
	Checkpoint uint64
}

// Run ticks every Interval until ctx is cancelled. Tick failures are logged
// and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	logs.Infof("syncer.Syncer.Run interval=%s batch=%d take=%s", s.cfg.Interval, s.cfg.BatchSize, s.cfg.TakePolicy)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logs.Warnf("syncer.Syncer.Run tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logs.Infof("syncer.Syncer.Run stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Syncer) Tick(ctx context.Context) (TickResult, error) {
	offset, err := s.store.Checkpoint(ctx)
	if err != nil {
		observability.RecordSyncTick("store_error", 0)
		return TickResult{}, fmt.Errorf("syncer: read checkpoint: %w", err)
	}
	res := TickResult{Checkpoint: offset}

	batch, err := s.src.QueryEvents(ctx, offset, s.cfg.BatchSize)
	if err != nil {
		observability.RecordSyncTick("ledger_error", offset)
		return res, fmt.Errorf("syncer: query events from %d: %w", offset, err)
	}
	res.Fetched = len(batch.Events)

	if len(batch.Events) == 0 {
		return s.catchUp(ctx, res)
	}
	if batch.First > offset {
		logs.Warnf("syncer.Syncer.Tick events [%d, %d) no longer retained", offset, batch.First)
	}

	next := offset
	for i, raw := range batch.Events {
		id := batch.First + uint64(i)
		ev, err := round.DecodeEvent(raw)
		if err != nil {
			logs.Warnf("syncer.Syncer.Tick skip event=%d: %v", id, err)
			observability.RecordSyncEvent("unknown", "skipped")
			res.Skipped++
			next = max(next, id+1)
			continue
		}
		if err := s.apply(ctx, ev); err != nil {
			observability.RecordSyncTick("store_error", offset)
			return res, fmt.Errorf("syncer: apply event %d: %w", ev.ID, err)
		}
		observability.RecordSyncEvent(string(ev.Kind), "applied")
		res.Applied++
		next = max(next, ev.ID+1)
	}

	if err := s.store.SetCheckpoint(ctx, next); err != nil {
		observability.RecordSyncTick("store_error", offset)
		return res, fmt.Errorf("syncer: persist checkpoint %d: %w", next, err)
	}
	res.Checkpoint = next
	observability.RecordSyncTick("ok", next)
	logs.Debugf("syncer.Syncer.Tick applied=%d skipped=%d checkpoint=%d", res.Applied, res.Skipped, next)
	return res, nil
}

// catchUp moves the checkpoint past events the ledger no longer retains.
func (s *Syncer) catchUp(ctx context.Context, res TickResult) (TickResult, error) {
	first, total, err := s.src.EventBounds(ctx)
	if err != nil {
		observability.RecordSyncTick("ledger_error", res.Checkpoint)
		return res, fmt.Errorf("syncer: event bounds: %w", err)
	}
	if res.Checkpoint >= first {
		observability.RecordSyncTick("idle", res.Checkpoint)
		return res, nil
	}
	logs.Warnf("syncer.Syncer.Tick checkpoint=%d behind retention, jumping to %d (total=%d)", res.Checkpoint, first, total)
	if err := s.store.SetCheckpoint(ctx, first); err != nil {
		observability.RecordSyncTick("store_error", res.Checkpoint)
		return res, fmt.Errorf("syncer: persist checkpoint %d: %w", first, err)
	}
	res.Checkpoint = first
	observability.RecordSyncTick("gap", first)
	return res, nil
}

func (s *Syncer) apply(ctx context.Context, ev round.Event) error {
	switch ev.Kind {
	case round.KindEpochStarted:
		logs.Infof("syncer event=%d epoch started id=%d", ev.ID, ev.EpochStarted.EpochID)
		return s.store.SetLastEpoch(ctx, ev.EpochStarted.EpochID)

	case round.KindTaskPublished:
		rec := ev.TaskPublished.Record
		_, err := s.store.Task(ctx, rec.ID)
		fresh := errors.Is(err, store.ErrTaskNotFound)
		if err != nil && !fresh {
			return err
		}
		if err := s.store.UpsertTask(ctx, rec); err != nil {
			return err
		}
		logs.Infof("syncer event=%d task published id=%s type=%s", ev.ID, rec.ID, rec.Type)
		if fresh {
			s.maybeTake(rec)
		}
		return nil

	case round.KindProfileFieldUpdated:
		p := ev.ProfileFieldUpdated
		logs.Infof("syncer event=%d profile principal=%q field=%q", ev.ID, p.Principal, p.Field)
		return s.store.UpsertProfileField(ctx, p.Principal, p.Field, p.Value)

	default:
		return fmt.Errorf("syncer: unhandled event kind %q", ev.Kind)
	}
}

func (s *Syncer) maybeTake(rec round.TaskRecord) {
	if s.cfg.TakePolicy != TakeAlways || s.taker == nil || s.pool == nil {
		return
	}
	if !s.taker.Accepts(rec.Type) {
		logs.Debugf("syncer task=%s type=%s has no actuator, not taking", rec.ID, rec.Type)
		return
	}
	err := s.pool.TrySubmit(func(ctx context.Context) {
		s.taker.Take(ctx, rec)
	})
	if err != nil {
		logs.Warnf("syncer task=%s auto-take dropped: %v", rec.ID, err)
	}
}
