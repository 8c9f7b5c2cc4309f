// Package rpcpool keeps one gRPC client connection per worker address and
// reuses it across calls.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	logs "github.com/danmuck/roundctl/internal/logging"
)

var (
	ErrClosed      = errors.New("rpcpool: closed")
	ErrInvalidAddr = errors.New("rpcpool: invalid worker address")
)

type Config struct {
	// MaxElapsed bounds stream-open retries per call.
	MaxElapsed  time.Duration
	DialOptions []grpc.DialOption
}

func DefaultConfig() Config {
	return Config{
		MaxElapsed:  10 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
}

type Pool struct {
	cfg    Config
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

func New(cfg Config) *Pool {
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultConfig().MaxElapsed
	}
	if len(cfg.DialOptions) == 0 {
		cfg.DialOptions = DefaultConfig().DialOptions
	}
	return &Pool{cfg: cfg, conns: make(map[string]*grpc.ClientConn)}
}

// Conn returns the live connection for addr, creating it on first use or
// after the previous one shut down.
func (p *Pool) Conn(addr string) (*grpc.ClientConn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrInvalidAddr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if cc, ok := p.conns[addr]; ok {
		if cc.GetState() != connectivity.Shutdown {
			return cc, nil
		}
		delete(p.conns, addr)
	}
	cc, err := grpc.NewClient(addr, p.cfg.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: dial %s: %w", addr, err)
	}
	p.conns[addr] = cc
	logs.Infof("rpcpool.Pool.Conn new connection addr=%s", addr)
	return cc, nil
}

// OpenStream opens method on addr, retrying Unavailable failures with
// exponential backoff until MaxElapsed or ctx ends.
func (p *Pool) OpenStream(ctx context.Context, addr string, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	var stream grpc.ClientStream
	attempt := 0
	op := func() error {
		attempt++
		cc, err := p.Conn(addr)
		if err != nil {
			return backoff.Permanent(err)
		}
		s, err := cc.NewStream(ctx, desc, method, opts...)
		if err != nil {
			if status.Code(err) == codes.Unavailable && ctx.Err() == nil {
				logs.Warnf("rpcpool.Pool.OpenStream addr=%s method=%s attempt=%d err=%v", addr, method, attempt, err)
				return err
			}
			return backoff.Permanent(err)
		}
		stream = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = p.cfg.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("rpcpool: open %s on %s: %w", method, addr, err)
	}
	return stream, nil
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for addr, cc := range p.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	p.conns = nil
	return errors.Join(errs...)
}
