package agent

import (
	"context"
	"fmt"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/blob"
	logs "github.com/danmuck/roundctl/internal/logging"
)

// FileProgress is one update of a GetFile download. The final update has
// Done set and carries the failure, if any, in Err.
type FileProgress struct {
	CID   string `json:"cid"`
	Bytes uint64 `json:"bytes"`
	Total uint64 `json:"total"`
	Done  bool   `json:"done,omitempty"`
	Err   string `json:"error,omitempty"`
}

func (a *Agent) blobStore() (blob.Store, error) {
	if a.blobs == nil {
		return nil, ErrNoBlobStore
	}
	return a.blobs, nil
}

// AddFile uploads a local file and returns its content id.
func (a *Agent) AddFile(ctx context.Context, path string) (string, error) {
	bs, err := a.blobStore()
	if err != nil {
		return "", err
	}
	return bs.Put(ctx, path)
}

func (a *Agent) CatFile(ctx context.Context, cid string) ([]byte, error) {
	bs, err := a.blobStore()
	if err != nil {
		return nil, err
	}
	return bs.Cat(ctx, cid)
}

func (a *Agent) FileStatus(ctx context.Context, cid string) (blob.Stat, error) {
	bs, err := a.blobStore()
	if err != nil {
		return blob.Stat{}, err
	}
	return bs.Stat(ctx, cid)
}

// GetFile downloads cid to dest from the worker pool. The returned channel
// closes after the final update or when ctx is cancelled.
func (a *Agent) GetFile(ctx context.Context, cid, dest string) (<-chan FileProgress, error) {
	bs, err := a.blobStore()
	if err != nil {
		return nil, err
	}
	out := make(chan FileProgress, actuator.DefaultProgressBuffer)
	job := func(poolCtx context.Context) {
		defer close(out)
		jctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		inner := make(chan blob.Progress, actuator.DefaultProgressBuffer)
		errc := make(chan error, 1)
		go func() {
			errc <- bs.Get(jctx, cid, dest, inner)
			close(inner)
		}()
		var last blob.Progress
		for p := range inner {
			last = p
			select {
			case out <- FileProgress{CID: cid, Bytes: p.Bytes, Total: p.Total}:
			case <-jctx.Done():
			}
		}
		final := FileProgress{CID: cid, Bytes: last.Bytes, Total: last.Total, Done: true}
		if err := <-errc; err != nil {
			final.Err = err.Error()
			logs.Warnf("agent.Agent.GetFile cid=%s dest=%s: %v", cid, dest, err)
		}
		select {
		case out <- final:
		case <-jctx.Done():
		}
	}
	if err := a.pool.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("agent: queue download %s: %w", cid, err)
	}
	logs.Infof("agent.Agent.GetFile cid=%s dest=%s queued", cid, dest)
	return out, nil
}
