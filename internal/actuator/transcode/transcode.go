// Package transcode is the MEDIA_TRANSCODING actuator. Execution is delegated
// to a remote transcoder over a server-streaming gRPC call.
package transcode

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/danmuck/roundctl/internal/actuator"
	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/round"
	"github.com/danmuck/roundctl/internal/rpcpool"
)

const Type = "MEDIA_TRANSCODING"

var ErrInputNotContentAddressed = errors.New("transcode: input must be content addressed")

type Options struct {
	// Addr is the transcoder's gRPC target.
	Addr string
	// Gateway prefixes content hashes into fetchable URLs. Empty sends ipfs:// URIs.
	Gateway string
}

type Actuator struct {
	pool *rpcpool.Pool
	opts Options
}

var _ actuator.Handler = (*Actuator)(nil)

func New(pool *rpcpool.Pool, opts Options) *Actuator {
	return &Actuator{pool: pool, opts: opts}
}

func (a *Actuator) Type() string { return Type }

func (a *Actuator) Encode(value any) ([]byte, error) {
	cfg, err := actuator.As[Config](value)
	if err != nil {
		return nil, errors.Wrap(err, "transcode: config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return encodeConfig(cfg), nil
}

func (a *Actuator) Decode(payload []byte) (any, error) {
	return decodeConfig(payload)
}

func (a *Actuator) originURL(hash string) string {
	gw := strings.TrimRight(strings.TrimSpace(a.opts.Gateway), "/")
	if gw == "" {
		return "ipfs://" + hash
	}
	return gw + "/ipfs/" + hash
}

func (a *Actuator) Execute(ctx context.Context, rec round.TaskRecord) (actuator.Execution, error) {
	if !rec.Input.ContentAddressed() {
		return nil, fmt.Errorf("%w: task %s has %s", ErrInputNotContentAddressed, rec.ID, rec.Input)
	}
	cfg, err := decodeConfig(rec.Config)
	if err != nil {
		return nil, errors.Wrapf(err, "transcode: task %s", rec.ID)
	}
	codec, err := OutputCodec(cfg.Target.Video.Codec)
	if err != nil {
		return nil, err
	}
	req := &DispatchRequest{
		TaskID:      rec.ID.String(),
		OriginURL:   a.originURL(rec.Input.Hash),
		OutputCodec: codec,
		UniqueID:    uuid.NewString(),
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := a.pool.OpenStream(sctx, a.opts.Addr, &dispatchVoDDesc, DispatchVoDPath,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, errors.Wrap(err, "transcode: send request")
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "transcode: close send")
	}
	logs.Infof("actuator.transcode.Execute task=%s addr=%s unique_id=%s codec=%d",
		rec.ID, a.opts.Addr, req.UniqueID, codec)
	return &execution{stream: stream, cancel: cancel}, nil
}

type execution struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	done   bool
}

func (e *execution) Recv() (actuator.Update, error) {
	if e.done {
		return actuator.Update{}, io.EOF
	}
	var reply DispatchReply
	if err := e.stream.RecvMsg(&reply); err != nil {
		e.done = true
		return actuator.Update{}, err
	}
	u := actuator.Update{
		State:      stateOf(reply.Status),
		Percent:    reply.Percent,
		BytesDone:  reply.BytesDone,
		BytesTotal: reply.BytesTotal,
		Message:    reply.Message,
	}
	if u.State.Terminal() {
		e.done = true
	}
	return u, nil
}

func (e *execution) Close() error {
	e.done = true
	e.cancel()
	return nil
}

func stateOf(status string) actuator.State {
	switch status {
	case StatusCompleted:
		return actuator.StateSucceeded
	case StatusFailed:
		return actuator.StateFailed
	default:
		return actuator.StateRunning
	}
}
