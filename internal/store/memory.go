package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/danmuck/roundctl/internal/round"
)

// Memory is a Store held in process memory.
type Memory struct {
	mu         sync.RWMutex
	checkpoint uint64
	lastEpoch  uint32
	hasEpoch   bool
	tasks      map[uint64]round.TaskRecord
	profiles   map[string]map[string]string
	closed     bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[uint64]round.TaskRecord),
		profiles: make(map[string]map[string]string),
	}
}

func (m *Memory) Checkpoint(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.checkpoint, nil
}

func (m *Memory) SetCheckpoint(_ context.Context, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.checkpoint = offset
	return nil
}

func (m *Memory) LastEpoch(context.Context) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	return m.lastEpoch, m.hasEpoch, nil
}

func (m *Memory) SetLastEpoch(_ context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.lastEpoch, m.hasEpoch = id, true
	return nil
}

func (m *Memory) UpsertTask(_ context.Context, rec round.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks[rec.ID.Key()] = rec
	return nil
}

func (m *Memory) Task(_ context.Context, id round.TaskID) (round.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return round.TaskRecord{}, ErrClosed
	}
	rec, ok := m.tasks[id.Key()]
	if !ok {
		return round.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec, nil
}

func (m *Memory) ListTasks(context.Context) ([]round.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := slices.Sorted(maps.Keys(m.tasks))
	out := make([]round.TaskRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.tasks[k])
	}
	return out, nil
}

func (m *Memory) UpsertProfileField(_ context.Context, principal, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	fields, ok := m.profiles[principal]
	if !ok {
		fields = make(map[string]string)
		m.profiles[principal] = fields
	}
	fields[field] = value
	return nil
}

func (m *Memory) ProfileFields(_ context.Context, principal string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(m.profiles[principal]))
	maps.Copy(out, m.profiles[principal])
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
