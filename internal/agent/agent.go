// Package agent is the client side of the system: it keeps a local cache in
// step with the ledger, publishes tasks, and dispatches cached tasks to their
// actuators on a bounded worker pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/ledger"
	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/store"
	"github.com/danmuck/roundctl/internal/syncer"
	"github.com/danmuck/roundctl/internal/workpool"
)

var (
	ErrNoOwner     = errors.New("agent: owner is not configured")
	ErrNoBlobStore = errors.New("agent: no blob store configured")
	ErrNoEndpoint  = errors.New("agent: principal has no endpoint")
	ErrBadEndpoint = errors.New("agent: invalid endpoint")
)

// EndpointField is the profile field holding a principal's contact endpoint.
const EndpointField = "endpoint"

// Ledger is the remote API the agent drives. *ledger.Client satisfies it.
type Ledger interface {
	syncer.Source
	RoundInfo(ctx context.Context) (round.Info, error)
	EpochStatus(ctx context.Context) (ledger.StatusResponse, error)
	AdvanceEpoch(ctx context.Context) (ledger.AdvanceResponse, error)
	PublishTask(ctx context.Context, epochID uint32, owner string, spec round.TaskSpec) (round.TaskID, error)
	Task(ctx context.Context, id round.TaskID) (round.TaskRecord, error)
	CountEvents(ctx context.Context) (uint64, error)
	SetProfileField(ctx context.Context, principal, field, value string) error
	Profile(ctx context.Context, principal string) (map[string]string, error)
}

var _ Ledger = (*ledger.Client)(nil)

type Config struct {
	Owner     string
	Sync      syncer.Config
	Workers   int
	QueueSize int
	// Properties describe this worker; auto-take skips tasks it is not
	// eligible for. Nil accepts everything.
	Properties round.Properties
}

func DefaultConfig() Config {
	return Config{
		Sync:      syncer.DefaultConfig(),
		Workers:   4,
		QueueSize: 32,
	}
}

type Agent struct {
	cfg        Config
	ledger     Ledger
	store      store.Store
	blobs      blob.Store
	dispatcher *actuator.Dispatcher
	pool       *workpool.Pool
	syncer     *syncer.Syncer
}

// New wires the agent. blobs may be nil when no task uses file uploads.
func New(cfg Config, l Ledger, st store.Store, blobs blob.Store, d *actuator.Dispatcher) *Agent {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	a := &Agent{
		cfg:        cfg,
		ledger:     l,
		store:      st,
		blobs:      blobs,
		dispatcher: d,
		pool:       workpool.New("agent", cfg.Workers, cfg.QueueSize),
	}
	a.syncer = syncer.New(cfg.Sync, l, st, a, a.pool)
	logs.Infof("agent.New owner=%q workers=%d queue=%d actuators=%v",
		cfg.Owner, cfg.Workers, cfg.QueueSize, d.Registry().Types())
	return a
}

func (a *Agent) Syncer() *syncer.Syncer {
	return a.syncer
}

// Run drives the synchronizer until ctx is cancelled, then drains the pool.
func (a *Agent) Run(ctx context.Context) error {
	err := a.syncer.Run(ctx)
	a.pool.Stop()
	return err
}

func (a *Agent) Close() error {
	a.pool.Stop()
	return a.store.Close()
}

// PublishTask reads a task file, resolves its input and publishes it into
// the ledger's current epoch.
func (a *Agent) PublishTask(ctx context.Context, path string) (round.TaskID, error) {
	if strings.TrimSpace(a.cfg.Owner) == "" {
		return round.TaskID{}, ErrNoOwner
	}
	raw, err := ReadTaskConfig(path)
	if err != nil {
		return round.TaskID{}, err
	}
	input, err := resolveInput(ctx, raw.Input, a.blobs)
	if err != nil {
		return round.TaskID{}, err
	}
	spec := raw.spec(input)
	if _, ok := a.dispatcher.Registry().Resolve(spec.Type); !ok {
		return round.TaskID{}, fmt.Errorf("%w: %s", actuator.ErrUnknownType, spec.Type)
	}
	info, err := a.ledger.RoundInfo(ctx)
	if err != nil {
		return round.TaskID{}, fmt.Errorf("agent: current epoch: %w", err)
	}
	if info.Status != round.StatusActive {
		return round.TaskID{}, fmt.Errorf("%w: epoch %d", ledger.ErrEpochClosed, info.ID)
	}
	id, err := a.ledger.PublishTask(ctx, info.ID, a.cfg.Owner, spec)
	if err != nil {
		return round.TaskID{}, err
	}
	logs.Infof("agent.Agent.PublishTask task=%s type=%s input=%s", id, spec.Type, input)
	return id, nil
}

// Task reads the local cache, falling back to the ledger for records the
// synchronizer has not reached yet.
func (a *Agent) Task(ctx context.Context, id round.TaskID) (round.TaskRecord, error) {
	rec, err := a.store.Task(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrTaskNotFound) {
		return round.TaskRecord{}, err
	}
	rec, err = a.ledger.Task(ctx, id)
	if err != nil {
		return round.TaskRecord{}, err
	}
	if err := a.store.UpsertTask(ctx, rec); err != nil {
		logs.Warnf("agent.Agent.Task cache write task=%s: %v", id, err)
	}
	return rec, nil
}

func (a *Agent) Tasks(ctx context.Context) ([]round.TaskRecord, error) {
	return a.store.ListTasks(ctx)
}

// DecodeConfig returns the semantic form of a cached task's config.
func (a *Agent) DecodeConfig(rec round.TaskRecord) (any, error) {
	return a.dispatcher.Registry().Decode(rec.Type, rec.Config)
}

// DispatchTask runs a task on its actuator from the worker pool. The
// returned channel closes when the run ends or ctx is cancelled.
func (a *Agent) DispatchTask(ctx context.Context, id round.TaskID) (<-chan actuator.Progress, error) {
	rec, err := a.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := a.dispatcher.Registry().Resolve(rec.Type); !ok {
		return nil, fmt.Errorf("%w: %s (task %s)", actuator.ErrUnknownType, rec.Type, rec.ID)
	}

	out := make(chan actuator.Progress, actuator.DefaultProgressBuffer)
	job := func(poolCtx context.Context) {
		defer close(out)
		jctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		ch, err := a.dispatcher.Dispatch(jctx, rec)
		if err != nil {
			logs.Warnf("agent.Agent.DispatchTask task=%s: %v", rec.ID, err)
			select {
			case out <- actuator.Progress{TaskID: rec.ID, Type: rec.Type, Update: actuator.Update{State: actuator.StateFailed}, Err: err.Error()}:
			case <-jctx.Done():
			}
			return
		}
		for p := range ch {
			select {
			case out <- p:
			case <-jctx.Done():
				return
			}
		}
	}
	if err := a.pool.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("agent: queue dispatch %s: %w", rec.ID, err)
	}
	logs.Infof("agent.Agent.DispatchTask task=%s type=%s queued", rec.ID, rec.Type)
	return out, nil
}

// QueryEvents fetches and decodes a range of ledger events. Undecodable
// entries are reported as an error naming their id.
func (a *Agent) QueryEvents(ctx context.Context, from, count uint64) ([]round.Event, error) {
	resp, err := a.ledger.QueryEvents(ctx, from, count)
	if err != nil {
		return nil, err
	}
	out := make([]round.Event, 0, len(resp.Events))
	for i, raw := range resp.Events {
		ev, err := round.DecodeEvent(raw)
		if err != nil {
			return out, fmt.Errorf("agent: event %d: %w", resp.First+uint64(i), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (a *Agent) AdvanceEpoch(ctx context.Context) (ledger.AdvanceResponse, error) {
	resp, err := a.ledger.AdvanceEpoch(ctx)
	if err != nil {
		return resp, err
	}
	logs.Infof("agent.Agent.AdvanceEpoch epoch=%d", resp.EpochID)
	return resp, nil
}

// RoundStatus reports the current epoch id and whether it still takes tasks.
func (a *Agent) RoundStatus(ctx context.Context) (ledger.StatusResponse, error) {
	return a.ledger.EpochStatus(ctx)
}

func (a *Agent) CountEvents(ctx context.Context) (uint64, error) {
	return a.ledger.CountEvents(ctx)
}

func (a *Agent) Profile(ctx context.Context, principal string) (map[string]string, error) {
	return a.ledger.Profile(ctx, principal)
}

// SetEndpoint records where the owner can be reached. The value must be an
// absolute URL.
func (a *Agent) SetEndpoint(ctx context.Context, endpoint string) error {
	if strings.TrimSpace(a.cfg.Owner) == "" {
		return ErrNoOwner
	}
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadEndpoint, endpoint)
	}
	if err := a.ledger.SetProfileField(ctx, a.cfg.Owner, EndpointField, endpoint); err != nil {
		return err
	}
	logs.Infof("agent.Agent.SetEndpoint owner=%q endpoint=%s", a.cfg.Owner, endpoint)
	return nil
}

func (a *Agent) Endpoint(ctx context.Context, principal string) (string, error) {
	fields, err := a.ledger.Profile(ctx, principal)
	if err != nil {
		return "", err
	}
	endpoint, ok := fields[EndpointField]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoEndpoint, principal)
	}
	return endpoint, nil
}

// Accepts reports whether a registered actuator handles taskType.
func (a *Agent) Accepts(taskType string) bool {
	_, ok := a.dispatcher.Registry().Resolve(taskType)
	return ok
}

// Take runs a newly observed task to completion, logging its progress.
func (a *Agent) Take(ctx context.Context, rec round.TaskRecord) {
	if a.cfg.Properties != nil {
		offer, ok := rec.Eligible(a.cfg.Properties)
		if !ok {
			logs.Debugf("agent.Agent.Take task=%s not eligible", rec.ID)
			return
		}
		logs.Infof("agent.Agent.Take task=%s bounty=%d", rec.ID, offer.Bounty)
	}
	ch, err := a.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		logs.Warnf("agent.Agent.Take task=%s: %v", rec.ID, err)
		return
	}
	for p := range ch {
		logs.Debugf("agent.Agent.Take task=%s state=%s percent=%.1f", p.TaskID, p.State, p.Percent)
		if p.State.Terminal() {
			logs.Infof("agent.Agent.Take task=%s finished state=%s err=%q", p.TaskID, p.State, p.Err)
		}
	}
}
