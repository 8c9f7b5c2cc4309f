// Package actuator maps task types to the handlers that own their config
// encoding and drive their execution.
//
// A task config crosses two boundaries: durable bytes stored in the ledger
// record, and a loosely typed value used on the wire and in the UI. The
// handler registered for a type is the only place that translates between
// them, and Decode(Encode(x)) must equal x for every accepted x.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/roundctl/internal/round"
)

// Handler is the capability set registered for one task type.
type Handler interface {
	Type() string
	Encode(value any) ([]byte, error)
	Decode(payload []byte) (any, error)
	Execute(ctx context.Context, rec round.TaskRecord) (Execution, error)
}

// Execution is a live remote run. Recv returns io.EOF after the terminal
// update has been delivered.
type Execution interface {
	Recv() (Update, error)
	Close() error
}

type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Update is one progress report from an execution backend.
type Update struct {
	State      State   `json:"state"`
	Percent    float64 `json:"percent"`
	BytesDone  uint64  `json:"bytes_done,omitempty"`
	BytesTotal uint64  `json:"bytes_total,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Progress is an Update tagged with the task it belongs to, as relayed to
// dispatch callers.
type Progress struct {
	TaskID round.TaskID `json:"task_id"`
	Type   string       `json:"type"`
	Update
	Err string `json:"error,omitempty"`
}

// As coerces a loosely typed value into T. Values already of type T or *T
// pass through; anything else goes through JSON, which covers the
// map[string]any produced by decoding HTTP bodies.
func As[T any](value any) (T, error) {
	var zero T
	switch v := value.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return zero, fmt.Errorf("actuator: nil %T", v)
		}
		return *v, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, err
		}
		return out, nil
	case nil:
		return zero, fmt.Errorf("actuator: missing config")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}
