// Package store persists the agent's local view of the ledger: the sync
// checkpoint, a cache of task records keyed by integer task id, and profile
// fields. Every write is an upsert so replaying events is harmless.
package store

import (
	"context"
	"errors"

	"github.com/danmuck/roundctl/internal/round"
)

var (
	ErrTaskNotFound      = errors.New("store: task not found")
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
	ErrClosed            = errors.New("store: closed")
)

type Store interface {
	// Checkpoint is the next ledger event id to fetch. Zero on a fresh store.
	Checkpoint(ctx context.Context) (uint64, error)
	SetCheckpoint(ctx context.Context, offset uint64) error

	LastEpoch(ctx context.Context) (uint32, bool, error)
	SetLastEpoch(ctx context.Context, id uint32) error

	UpsertTask(ctx context.Context, rec round.TaskRecord) error
	Task(ctx context.Context, id round.TaskID) (round.TaskRecord, error)
	ListTasks(ctx context.Context) ([]round.TaskRecord, error)

	UpsertProfileField(ctx context.Context, principal, field, value string) error
	ProfileFields(ctx context.Context, principal string) (map[string]string, error)

	Close() error
}
