package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/roundctl/internal/testutil/testlog"
)

func TestPoolRunsAllJobsBeforeClose(t *testing.T) {
	testlog.Start(t)
	p := New("test", 3, 8)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if err := p.Submit(context.Background(), func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Close()
	if got := ran.Load(); got != 20 {
		t.Fatalf("ran=%d want 20", got)
	}
	if err := p.Submit(context.Background(), func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err=%v", err)
	}
	if err := p.TrySubmit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("try submit after close err=%v", err)
	}
	p.Close()
}

func TestTrySubmitShedsWhenFull(t *testing.T) {
	testlog.Start(t)
	p := New("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	if err := p.TrySubmit(func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := p.TrySubmit(func(context.Context) {}); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if err := p.TrySubmit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full queue err=%v want ErrQueueFull", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func(context.Context) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked submit err=%v", err)
	}

	close(release)
	p.Close()
}

func TestStopCancelsRunningJobs(t *testing.T) {
	testlog.Start(t)
	p := New("test", 1, 0)
	started := make(chan struct{})
	done := make(chan error, 1)
	if err := p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	p.Stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("job ctx err=%v", err)
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	testlog.Start(t)
	p := New("test", 1, 2)
	var ran atomic.Bool
	_ = p.Submit(context.Background(), func(context.Context) { panic("boom") })
	_ = p.Submit(context.Background(), func(context.Context) { ran.Store(true) })
	p.Close()
	if !ran.Load() {
		t.Fatalf("worker died after panic")
	}
}
