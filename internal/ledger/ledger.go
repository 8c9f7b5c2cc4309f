// Package ledger implements the authoritative round/task/event state machine.
//
// Events live in one ring-retained log addressed by global event id. Each epoch
// keeps its own ring of task records so that sequences stay contiguous per
// epoch, and old epochs roll out together with their tasks.
package ledger

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/ring"
	"github.com/danmuck/roundctl/internal/round"
)

var (
	ErrEpochNotYetClosed = errors.New("ledger: epoch not yet closed")
	ErrEpochClosed       = errors.New("ledger: epoch closed")
	ErrStaleEpoch        = errors.New("ledger: stale epoch id")
	ErrUnknownEpoch      = errors.New("ledger: unknown epoch")
	ErrUnknownTask       = errors.New("ledger: unknown task")
	ErrInvalidTask       = errors.New("ledger: invalid task")
	ErrInvalidProfile    = errors.New("ledger: invalid profile field")
	ErrEncode            = errors.New("ledger: config encode failed")
)

const (
	DefaultEpochDuration  = 10 * time.Minute
	DefaultEventRetention = 1 << 20
	DefaultEpochRetention = 64
	DefaultTasksPerEpoch  = 1 << 16
	DefaultMaxQueryCount  = 1000
)

// Codec turns a loosely typed task config into its durable encoding. The
// ledger never looks inside the payload.
type Codec interface {
	Encode(taskType string, value any) ([]byte, error)
}

type Config struct {
	EpochDuration  time.Duration
	EventRetention uint64
	EpochRetention uint64
	TasksPerEpoch  uint64
	MaxQueryCount  uint64
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{
		EpochDuration:  DefaultEpochDuration,
		EventRetention: DefaultEventRetention,
		EpochRetention: DefaultEpochRetention,
		TasksPerEpoch:  DefaultTasksPerEpoch,
		MaxQueryCount:  DefaultMaxQueryCount,
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EpochDuration <= 0 {
		c.EpochDuration = d.EpochDuration
	}
	if c.EventRetention == 0 {
		c.EventRetention = d.EventRetention
	}
	if c.EpochRetention == 0 {
		c.EpochRetention = d.EpochRetention
	}
	if c.TasksPerEpoch == 0 {
		c.TasksPerEpoch = d.TasksPerEpoch
	}
	if c.MaxQueryCount == 0 {
		c.MaxQueryCount = d.MaxQueryCount
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

type epochLog struct {
	epoch round.Epoch
	tasks *ring.Queue[round.TaskRecord]
}

type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	codec    Codec
	events   *ring.Queue[round.Event]
	epochs   *ring.Queue[*epochLog]
	profiles map[string]map[string]string
}

// New starts the ledger with genesis epoch 0 open at cfg.Now().
func New(cfg Config, codec Codec) *Ledger {
	cfg = cfg.withDefaults()
	l := &Ledger{
		cfg:      cfg,
		codec:    codec,
		events:   ring.New[round.Event](cfg.EventRetention),
		epochs:   ring.New[*epochLog](cfg.EpochRetention),
		profiles: make(map[string]map[string]string),
	}
	l.openEpoch(0, cfg.Now())
	logs.Infof("ledger.New epoch_duration=%s event_retention=%d epoch_retention=%d",
		cfg.EpochDuration, cfg.EventRetention, cfg.EpochRetention)
	return l
}

func (l *Ledger) openEpoch(id uint32, now time.Time) round.Epoch {
	e := round.Epoch{
		ID:               id,
		StartTime:        now,
		Duration:         l.cfg.EpochDuration,
		FirstEventOffset: l.events.Total(),
	}
	l.epochs.PushBack(&epochLog{epoch: e, tasks: ring.New[round.TaskRecord](l.cfg.TasksPerEpoch)})
	l.append(round.NewEpochStarted(l.events.Total(), id))
	return e
}

func (l *Ledger) append(e round.Event) {
	l.events.PushBack(e)
}

func (l *Ledger) current() *epochLog {
	cur, ok := l.epochs.Back()
	if !ok {
		panic("ledger: no current epoch")
	}
	return cur
}

// AdvanceEpoch opens the next epoch. It fails while the current one is Active.
func (l *Ledger) AdvanceEpoch() (round.Epoch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	cur := l.current()
	if cur.epoch.Status(now) == round.StatusActive {
		observability.RecordLedgerOp("advance_epoch", false, l.events.Total())
		return round.Epoch{}, fmt.Errorf("%w: epoch %d ends at %s",
			ErrEpochNotYetClosed, cur.epoch.ID, cur.epoch.EndTime().Format(time.RFC3339Nano))
	}
	e := l.openEpoch(cur.epoch.ID+1, now)
	observability.RecordLedgerOp("advance_epoch", true, l.events.Total())
	logs.Infof("ledger.Ledger.AdvanceEpoch epoch=%d first_offset=%d", e.ID, e.FirstEventOffset)
	return e, nil
}

func (l *Ledger) Current() round.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current().epoch
}

func (l *Ledger) Status() round.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current().epoch.Status(l.cfg.Now())
}

func (l *Ledger) RoundInfo() round.Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.current()
	return round.Info{
		ID:         cur.epoch.ID,
		Status:     cur.epoch.Status(l.cfg.Now()),
		StartTime:  cur.epoch.StartTime,
		Duration:   cur.epoch.Duration,
		TaskCount:  uint32(cur.tasks.Total()),
		EventCount: l.events.Total() - cur.epoch.FirstEventOffset,
	}
}

// PublishTask appends a task to the current epoch. epochID must name the
// current epoch and the epoch must still be Active.
func (l *Ledger) PublishTask(epochID uint32, owner string, spec round.TaskSpec) (round.TaskID, error) {
	if strings.TrimSpace(owner) == "" {
		return round.TaskID{}, fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	if err := spec.Validate(); err != nil {
		return round.TaskID{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	payload, err := l.codec.Encode(spec.Type, spec.Config)
	if err != nil {
		observability.RecordLedgerOp("publish_task", false, l.CountEvents())
		return round.TaskID{}, fmt.Errorf("%w: type=%s: %v", ErrEncode, spec.Type, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current()
	if cur.epoch.Status(l.cfg.Now()) != round.StatusActive {
		observability.RecordLedgerOp("publish_task", false, l.events.Total())
		return round.TaskID{}, fmt.Errorf("%w: epoch %d", ErrEpochClosed, cur.epoch.ID)
	}
	if cur.epoch.ID != epochID {
		observability.RecordLedgerOp("publish_task", false, l.events.Total())
		return round.TaskID{}, fmt.Errorf("%w: got %d current %d", ErrStaleEpoch, epochID, cur.epoch.ID)
	}

	rec := round.TaskRecord{
		ID:           round.TaskID{Epoch: cur.epoch.ID, Sequence: uint32(cur.tasks.Total())},
		Owner:        owner,
		Input:        spec.Input,
		Output:       spec.Output,
		Requirements: spec.Requirements,
		Offers:       spec.Offers,
		Type:         spec.Type,
		Config:       payload,
	}
	cur.tasks.PushBack(rec)
	l.append(round.NewTaskPublished(l.events.Total(), rec))
	observability.RecordLedgerOp("publish_task", true, l.events.Total())
	logs.Infof("ledger.Ledger.PublishTask task=%s type=%s owner=%q", rec.ID, rec.Type, owner)
	return rec.ID, nil
}

// Task returns a record from any epoch still retained.
func (l *Ledger) Task(id round.TaskID) (round.TaskRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.epochs.Get(uint64(id.Epoch))
	if !ok {
		return round.TaskRecord{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	rec, ok := log.tasks.Get(uint64(id.Sequence))
	if !ok {
		return round.TaskRecord{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return rec, nil
}

// QueryEvents returns resident events with ids in [from, from+count). Evicted
// or not-yet-written ids are simply absent from the result.
func (l *Ledger) QueryEvents(from, count uint64) []round.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rangeLocked(from, min(count, l.cfg.MaxQueryCount), 0, l.events.Total())
}

// QueryEpochEvents is QueryEvents with from relative to the epoch's first
// event, bounded by the start of the following epoch.
func (l *Ledger) QueryEpochEvents(epochID uint32, from, count uint64) ([]round.Event, error) {
	_, events, err := l.queryEpochEvents(epochID, from, count)
	return events, err
}

// queryEpochEvents also returns the global id the batch starts at. Offsets
// past the end of the epoch clamp to that end.
func (l *Ledger) queryEpochEvents(epochID uint32, from, count uint64) (uint64, []round.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log, ok := l.epochs.Get(uint64(epochID))
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownEpoch, epochID)
	}
	base := log.epoch.FirstEventOffset
	limit := l.events.Total()
	if next, ok := l.epochs.Get(uint64(epochID) + 1); ok {
		limit = next.epoch.FirstEventOffset
	}
	if from >= limit-base {
		return limit, []round.Event{}, nil
	}
	start := base + from
	return start, l.rangeLocked(start, min(count, l.cfg.MaxQueryCount), base, limit), nil
}

// rangeLocked returns resident events with ids in [from, from+count)
// clamped to [lo, hi).
func (l *Ledger) rangeLocked(from, count, lo, hi uint64) []round.Event {
	from = max(from, lo)
	end := from + count
	if end < from || end > hi {
		end = hi
	}
	if from >= end {
		return []round.Event{}
	}
	out := make([]round.Event, 0, min(end-from, l.events.Len()))
	for _, e := range l.events.Range(from, end-from) {
		out = append(out, e)
	}
	return out
}

func (l *Ledger) CountEvents() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Total()
}

// CountTasks reports tasks published in the current epoch.
func (l *Ledger) CountTasks() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint32(l.current().tasks.Total())
}

// EventBounds returns the first resident event id and the total ever appended.
func (l *Ledger) EventBounds() (first, total uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Evicted(), l.events.Total()
}

func (l *Ledger) SetProfileField(principal, field, value string) error {
	if strings.TrimSpace(principal) == "" || strings.TrimSpace(field) == "" {
		return fmt.Errorf("%w: principal and field are required", ErrInvalidProfile)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fields, ok := l.profiles[principal]
	if !ok {
		fields = make(map[string]string)
		l.profiles[principal] = fields
	}
	fields[field] = value
	l.append(round.NewProfileFieldUpdated(l.events.Total(), principal, field, value))
	observability.RecordLedgerOp("set_profile_field", true, l.events.Total())
	logs.Debugf("ledger.Ledger.SetProfileField principal=%q field=%q", principal, field)
	return nil
}

// Profile returns a copy of the principal's fields; unknown principals are empty.
func (l *Ledger) Profile(principal string) map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.profiles[principal]))
	maps.Copy(out, l.profiles[principal])
	return out
}
