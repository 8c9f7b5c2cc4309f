package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/round"
)

const DefaultProgressBuffer = 16

var ErrNoTerminalUpdate = errors.New("actuator: stream ended without terminal update")

// Dispatcher resolves a task's handler and relays its execution progress.
type Dispatcher struct {
	registry *Registry
	buffer   int
}

func NewDispatcher(registry *Registry, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	return &Dispatcher{registry: registry, buffer: buffer}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch starts rec on its handler and returns a bounded channel of
// progress. The channel closes after the terminal update, after a stream
// error (reported as a FAILED progress), or when ctx is cancelled. Updates
// already relayed are never retracted.
func (d *Dispatcher) Dispatch(ctx context.Context, rec round.TaskRecord) (<-chan Progress, error) {
	h, ok := d.registry.Resolve(rec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s (task %s)", ErrUnknownType, rec.Type, rec.ID)
	}
	start := time.Now()
	exec, err := h.Execute(ctx, rec)
	if err != nil {
		observability.RecordDispatch(rec.Type, time.Since(start), false)
		return nil, fmt.Errorf("actuator: execute %s (%s): %w", rec.ID, rec.Type, err)
	}
	logs.Infof("actuator.Dispatcher.Dispatch task=%s type=%s", rec.ID, rec.Type)

	out := make(chan Progress, d.buffer)
	go d.relay(ctx, rec, exec, out, start)
	return out, nil
}

func (d *Dispatcher) relay(ctx context.Context, rec round.TaskRecord, exec Execution, out chan<- Progress, start time.Time) {
	defer close(out)
	defer exec.Close()

	success := false
	defer func() {
		observability.RecordDispatch(rec.Type, time.Since(start), success)
	}()

	send := func(p Progress) bool {
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		u, err := exec.Recv()
		if err != nil {
			if ctx.Err() != nil {
				logs.Warnf("actuator.Dispatcher.relay task=%s cancelled: %v", rec.ID, ctx.Err())
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrNoTerminalUpdate
			}
			logs.Warnf("actuator.Dispatcher.relay task=%s err=%v", rec.ID, err)
			send(Progress{TaskID: rec.ID, Type: rec.Type, Update: Update{State: StateFailed}, Err: err.Error()})
			return
		}
		p := Progress{TaskID: rec.ID, Type: rec.Type, Update: u}
		if u.State == StateFailed && u.Message != "" {
			p.Err = u.Message
		}
		if !send(p) {
			logs.Warnf("actuator.Dispatcher.relay task=%s cancelled while relaying", rec.ID)
			return
		}
		if u.State.Terminal() {
			success = u.State == StateSucceeded
			logs.Infof("actuator.Dispatcher.relay task=%s state=%s", rec.ID, u.State)
			return
		}
	}
}
