package flow

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/protocol/tlv"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	for _, cfg := range []Config{
		{Steps: 1},
		{Steps: 3, Label: "render"},
		{Steps: MaxSteps, Label: "long", FailAt: 7},
		{Steps: 2, StepBytes: 1 << 40, Trace: true},
	} {
		b, err := a.Encode(cfg)
		if err != nil {
			t.Fatalf("encode %+v: %v", cfg, err)
		}
		got, err := a.Decode(b)
		if err != nil {
			t.Fatalf("decode %+v: %v", cfg, err)
		}
		if got != cfg {
			t.Fatalf("round trip got %+v want %+v", got, cfg)
		}
	}
}

func TestEncodeAcceptsLooseConfig(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	b, err := a.Encode(map[string]any{"steps": 2, "label": "x"})
	if err != nil {
		t.Fatalf("encode map: %v", err)
	}
	got, _ := a.Decode(b)
	if got != (Config{Steps: 2, Label: "x"}) {
		t.Fatalf("decoded %+v", got)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	for _, cfg := range []Config{{Steps: 0}, {Steps: MaxSteps + 1}, {Steps: 2, FailAt: 3}, {Steps: 2, StepBytes: math.MaxUint64}} {
		if _, err := a.Encode(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	if _, err := a.Decode([]byte{1, 2}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDispatchThroughRegistry(t *testing.T) {
	testlog.Start(t)
	a := New(time.Millisecond)
	d := actuator.NewDispatcher(actuator.NewRegistry().MustRegister(a), 2)

	payload, err := a.Encode(Config{Steps: 4, Label: "demo"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := round.TaskRecord{ID: round.TaskID{Epoch: 3, Sequence: 1}, Type: Type, Config: payload}
	ch, err := d.Dispatch(context.Background(), rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var got []actuator.Progress
	for p := range ch {
		got = append(got, p)
	}
	if len(got) != 4 {
		t.Fatalf("progress count=%d", len(got))
	}
	if got[0].Percent != 25 || got[3].State != actuator.StateSucceeded || got[3].Percent != 100 {
		t.Fatalf("progress=%+v", got)
	}
	if got[1].Message != "demo: step 2" {
		t.Fatalf("message=%q", got[1].Message)
	}
}

func TestFailAtEndsRunFailed(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	payload, _ := a.Encode(Config{Steps: 5, FailAt: 2})
	exec, err := a.Execute(context.Background(), round.TaskRecord{Type: Type, Config: payload})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer exec.Close()
	u, _ := exec.Recv()
	if u.State != actuator.StateRunning {
		t.Fatalf("first=%+v", u)
	}
	u, _ = exec.Recv()
	if u.State != actuator.StateFailed {
		t.Fatalf("second=%+v", u)
	}
	if _, err := exec.Recv(); err == nil {
		t.Fatalf("expected EOF after terminal")
	}
}

func TestStepBytesScaleCounters(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	payload, err := a.Encode(map[string]any{"steps": 2, "step_bytes": 512, "trace": true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, _ := a.Decode(payload)
	if got != (Config{Steps: 2, StepBytes: 512, Trace: true}) {
		t.Fatalf("decoded %+v", got)
	}
	exec, err := a.Execute(context.Background(), round.TaskRecord{Type: Type, Config: payload})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer exec.Close()
	u, _ := exec.Recv()
	if u.BytesDone != 512 || u.BytesTotal != 1024 {
		t.Fatalf("first=%+v", u)
	}
	u, _ = exec.Recv()
	if u.BytesDone != 1024 || u.State != actuator.StateSucceeded {
		t.Fatalf("second=%+v", u)
	}
}

func TestDecodeRejectsMistypedOptionalFields(t *testing.T) {
	testlog.Start(t)
	a := New(0)
	base := []tlv.Field{tlv.U32(fieldSteps, 2), tlv.String(fieldLabel, "x")}
	for name, extra := range map[string]tlv.Field{
		"step_bytes as u32":  tlv.U32(fieldStepBytes, 8),
		"trace as string":    tlv.String(fieldTrace, "yes"),
		"trace out of range": {ID: fieldTrace, Type: tlv.TypeBool, Value: []byte{2}},
	} {
		payload := tlv.EncodeFields(append(append([]tlv.Field(nil), base...), extra))
		if _, err := a.Decode(payload); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}
