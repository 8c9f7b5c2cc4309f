package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/store"
	"github.com/danmuck/roundctl/internal/testutil/testlog"
	"github.com/danmuck/roundctl/internal/workpool"
)

type jsonCodec struct{}

func (jsonCodec) Encode(_ string, value any) ([]byte, error) { return json.Marshal(value) }

// localSource serves a Ledger in process the way the HTTP client would.
type localSource struct {
	l      *ledger.Ledger
	fail   error
	inject map[uint64]json.RawMessage
}

func (s *localSource) QueryEvents(_ context.Context, from, count uint64) (ledger.EventsResponse, error) {
	if s.fail != nil {
		return ledger.EventsResponse{}, s.fail
	}
	events := s.l.QueryEvents(from, count)
	resp := ledger.EventsResponse{First: from, Events: []json.RawMessage{}}
	if len(events) > 0 {
		resp.First = events[0].ID
	}
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return ledger.EventsResponse{}, err
		}
		if bad, ok := s.inject[e.ID]; ok {
			raw = bad
		}
		resp.Events = append(resp.Events, raw)
	}
	return resp, nil
}

func (s *localSource) EventBounds(context.Context) (uint64, uint64, error) {
	if s.fail != nil {
		return 0, 0, s.fail
	}
	first, total := s.l.EventBounds()
	return first, total, nil
}

func newLedger(t *testing.T, cfg ledger.Config) *ledger.Ledger {
	t.Helper()
	testlog.Start(t)
	cfg.EpochDuration = time.Hour
	return ledger.New(cfg, jsonCodec{})
}

func publish(t *testing.T, l *ledger.Ledger, n int) []round.TaskID {
	t.Helper()
	var ids []round.TaskID
	for i := 0; i < n; i++ {
		id, err := l.PublishTask(l.Current().ID, "alice", round.TaskSpec{
			Input:  round.IPFSInput("QmInput"),
			Output: round.Output{Type: round.SourceIPFS},
			Type:   "FLOW",
			Config: map[string]any{"steps": i + 1},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestTickAppliesBatchAndPersistsCheckpoint(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	ids := publish(t, l, 3)
	require.NoError(t, l.SetProfileField("alice", "gpu", "rtx"))

	st := store.NewMemory()
	s := New(Config{BatchSize: 10}, &localSource{l: l}, st, nil, nil)
	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Fetched: 5, Applied: 5, Checkpoint: 5}, res)

	cp, err := st.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp)

	for _, id := range ids {
		rec, err := st.Task(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
	}
	epoch, ok, err := st.LastEpoch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), epoch)

	fields, err := st.ProfileFields(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"gpu": "rtx"}, fields)

	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, uint64(5), res.Checkpoint)
}

func TestTickFetchesInBatches(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	publish(t, l, 4)

	st := store.NewMemory()
	s := New(Config{BatchSize: 2}, &localSource{l: l}, st, nil, nil)
	var checkpoints []uint64
	for i := 0; i < 3; i++ {
		res, err := s.Tick(context.Background())
		require.NoError(t, err)
		checkpoints = append(checkpoints, res.Checkpoint)
	}
	assert.Equal(t, []uint64{2, 4, 5}, checkpoints)
}

func TestReplayingBatchIsIdempotent(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	publish(t, l, 3)
	require.NoError(t, l.SetProfileField("bob", "region", "eu"))

	ctx := context.Background()
	once := store.NewMemory()
	_, err := New(Config{}, &localSource{l: l}, once, nil, nil).Tick(ctx)
	require.NoError(t, err)

	twice := store.NewMemory()
	s := New(Config{}, &localSource{l: l}, twice, nil, nil)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	// crash before the checkpoint write: the same batch comes back
	require.NoError(t, twice.SetCheckpoint(ctx, 0))
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	a, err := once.ListTasks(ctx)
	require.NoError(t, err)
	b, err := twice.ListTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	pa, _ := once.ProfileFields(ctx, "bob")
	pb, _ := twice.ProfileFields(ctx, "bob")
	assert.Equal(t, pa, pb)
}

func TestLedgerFailureLeavesCheckpoint(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	publish(t, l, 1)

	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetCheckpoint(ctx, 1))
	src := &localSource{l: l, fail: errors.New("ledger unreachable")}
	_, err := New(Config{}, src, st, nil, nil).Tick(ctx)
	require.Error(t, err)

	cp, _ := st.Checkpoint(ctx)
	assert.Equal(t, uint64(1), cp)
}

func TestUndecodableEventIsSkipped(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	ids := publish(t, l, 2)

	ctx := context.Background()
	st := store.NewMemory()
	src := &localSource{l: l, inject: map[uint64]json.RawMessage{1: json.RawMessage(`{"id":1,"kind":"NOPE"}`)}}
	res, err := New(Config{}, src, st, nil, nil).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, uint64(3), res.Checkpoint)

	_, err = st.Task(ctx, ids[0])
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	_, err = st.Task(ctx, ids[1])
	assert.NoError(t, err)
}

type failingStore struct {
	*store.Memory
}

func (failingStore) UpsertTask(context.Context, round.TaskRecord) error {
	return errors.New("disk full")
}

func TestStoreFailureAbortsBatch(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	publish(t, l, 1)

	ctx := context.Background()
	st := failingStore{store.NewMemory()}
	_, err := New(Config{}, &localSource{l: l}, st, nil, nil).Tick(ctx)
	require.Error(t, err)

	cp, _ := st.Checkpoint(ctx)
	assert.Equal(t, uint64(0), cp)
}

func TestCheckpointJumpsPastRetention(t *testing.T) {
	l := newLedger(t, ledger.Config{EventRetention: 2})
	publish(t, l, 4)
	first, total := l.EventBounds()
	require.Equal(t, uint64(3), first)
	require.Equal(t, uint64(5), total)

	ctx := context.Background()
	st := store.NewMemory()
	s := New(Config{BatchSize: 2}, &localSource{l: l}, st, nil, nil)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, uint64(3), res.Checkpoint)

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, uint64(5), res.Checkpoint)
}

type recordingTaker struct {
	mu    sync.Mutex
	taken []round.TaskID
	done  chan struct{}
}

func (r *recordingTaker) Accepts(taskType string) bool { return taskType == "FLOW" }

func (r *recordingTaker) Take(_ context.Context, rec round.TaskRecord) {
	r.mu.Lock()
	r.taken = append(r.taken, rec.ID)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func TestTakeAlwaysSubmitsNewTasksOnce(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	ids := publish(t, l, 2)

	ctx := context.Background()
	st := store.NewMemory()
	pool := workpool.New("take", 1, 4)
	taker := &recordingTaker{done: make(chan struct{}, 4)}
	s := New(Config{TakePolicy: TakeAlways}, &localSource{l: l}, st, taker, pool)

	_, err := s.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, st.SetCheckpoint(ctx, 0))
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	pool.Close()

	assert.ElementsMatch(t, ids, taker.taken)
}

func TestParseTakePolicy(t *testing.T) {
	for in, want := range map[string]TakePolicy{"": TakeIgnore, "ignore": TakeIgnore, " ALWAYS ": TakeAlways} {
		got, err := ParseTakePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTakePolicy("sometimes")
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newLedger(t, ledger.Config{})
	publish(t, l, 1)
	st := store.NewMemory()
	s := New(Config{Interval: 5 * time.Millisecond}, &localSource{l: l}, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		cp, _ := st.Checkpoint(context.Background())
		return cp == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
