// Package flow is a deterministic local actuator. It walks a fixed number of
// steps without any remote backend and is used for wiring checks and tests.
package flow

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/danmuck/roundctl/internal/actuator"
	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/protocol/tlv"
	"github.com/danmuck/roundctl/internal/round"
)

const (
	Type     = "FLOW"
	MaxSteps = 1000
)

const (
	fieldSteps     uint16 = 1
	fieldLabel     uint16 = 2
	fieldFailAt    uint16 = 3
	fieldStepBytes uint16 = 4
	fieldTrace     uint16 = 5
)

// Config is the semantic form of a FLOW task config. FailAt > 0 makes the
// run fail at that step. StepBytes scales the byte counters of each update
// and defaults to one per step. Trace logs every step at info level.
type Config struct {
	Steps     uint32 `json:"steps"`
	Label     string `json:"label"`
	FailAt    uint32 `json:"fail_at,omitempty"`
	StepBytes uint64 `json:"step_bytes,omitempty"`
	Trace     bool   `json:"trace,omitempty"`
}

func (c Config) Validate() error {
	if c.Steps == 0 || c.Steps > MaxSteps {
		return fmt.Errorf("flow: steps must be in [1, %d], got %d", MaxSteps, c.Steps)
	}
	if c.FailAt > c.Steps {
		return fmt.Errorf("flow: fail_at %d beyond steps %d", c.FailAt, c.Steps)
	}
	if c.StepBytes > math.MaxUint64/MaxSteps {
		return fmt.Errorf("flow: step_bytes %d too large", c.StepBytes)
	}
	return nil
}

type Actuator struct {
	interval time.Duration
}

var _ actuator.Handler = (*Actuator)(nil)

// New returns a flow actuator pausing interval between steps.
func New(interval time.Duration) *Actuator {
	logs.Debugf("actuator.flow.New interval=%s", interval)
	return &Actuator{interval: interval}
}

func (a *Actuator) Type() string { return Type }

func (a *Actuator) Encode(value any) ([]byte, error) {
	cfg, err := actuator.As[Config](value)
	if err != nil {
		return nil, errors.Wrap(err, "flow: config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.U32(fieldSteps, cfg.Steps),
		tlv.String(fieldLabel, cfg.Label),
	}
	if cfg.FailAt > 0 {
		fields = append(fields, tlv.U32(fieldFailAt, cfg.FailAt))
	}
	if cfg.StepBytes > 0 {
		fields = append(fields, tlv.U64(fieldStepBytes, cfg.StepBytes))
	}
	if cfg.Trace {
		fields = append(fields, tlv.Bool(fieldTrace, true))
	}
	return tlv.EncodeFields(fields), nil
}

func (a *Actuator) Decode(payload []byte) (any, error) {
	return decode(payload)
}

func decode(payload []byte) (Config, error) {
	fields, err := tlv.DecodeUnique(payload)
	if err != nil {
		return Config{}, errors.Wrap(err, "flow: decode")
	}
	var cfg Config
	if cfg.Steps, err = tlv.GetU32(fields, fieldSteps); err != nil {
		return Config{}, errors.Wrap(err, "flow: steps")
	}
	if cfg.Label, err = tlv.GetString(fields, fieldLabel); err != nil {
		return Config{}, errors.Wrap(err, "flow: label")
	}
	if _, ok := tlv.GetField(fields, fieldFailAt); ok {
		if cfg.FailAt, err = tlv.GetU32(fields, fieldFailAt); err != nil {
			return Config{}, errors.Wrap(err, "flow: fail_at")
		}
	}
	if _, ok := tlv.GetField(fields, fieldStepBytes); ok {
		if cfg.StepBytes, err = tlv.GetU64(fields, fieldStepBytes); err != nil {
			return Config{}, errors.Wrap(err, "flow: step_bytes")
		}
	}
	if _, ok := tlv.GetField(fields, fieldTrace); ok {
		if cfg.Trace, err = tlv.GetBool(fields, fieldTrace); err != nil {
			return Config{}, errors.Wrap(err, "flow: trace")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (a *Actuator) Execute(ctx context.Context, rec round.TaskRecord) (actuator.Execution, error) {
	cfg, err := decode(rec.Config)
	if err != nil {
		return nil, errors.Wrapf(err, "flow: task %s", rec.ID)
	}
	logs.Infof("actuator.flow.Execute task=%s steps=%d label=%q", rec.ID, cfg.Steps, cfg.Label)
	return &execution{ctx: ctx, cfg: cfg, interval: a.interval}, nil
}

type execution struct {
	ctx      context.Context
	cfg      Config
	interval time.Duration
	step     uint32
	done     bool
}

func (e *execution) Recv() (actuator.Update, error) {
	if e.done {
		return actuator.Update{}, io.EOF
	}
	if e.interval > 0 {
		t := time.NewTimer(e.interval)
		defer t.Stop()
		select {
		case <-e.ctx.Done():
			return actuator.Update{}, e.ctx.Err()
		case <-t.C:
		}
	} else if err := e.ctx.Err(); err != nil {
		return actuator.Update{}, err
	}

	e.step++
	unit := max(e.cfg.StepBytes, 1)
	u := actuator.Update{
		State:      actuator.StateRunning,
		Percent:    float64(e.step) * 100 / float64(e.cfg.Steps),
		BytesDone:  uint64(e.step) * unit,
		BytesTotal: uint64(e.cfg.Steps) * unit,
		Message:    stepMessage(e.cfg.Label, e.step),
	}
	switch {
	case e.cfg.FailAt > 0 && e.step == e.cfg.FailAt:
		u.State = actuator.StateFailed
		u.Message = fmt.Sprintf("flow step %d failed", e.step)
		e.done = true
	case e.step == e.cfg.Steps:
		u.State = actuator.StateSucceeded
		e.done = true
	}
	if e.cfg.Trace {
		logs.Infof("actuator.flow.step %s state=%s bytes=%d/%d", u.Message, u.State, u.BytesDone, u.BytesTotal)
	}
	return u, nil
}

func (e *execution) Close() error {
	e.done = true
	return nil
}

func stepMessage(label string, step uint32) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "flow"
	}
	return fmt.Sprintf("%s: step %d", label, step)
}
