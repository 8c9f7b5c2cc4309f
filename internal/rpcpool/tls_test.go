package rpcpool

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/danmuck/roundctl/internal/testutil/testlog"
	"github.com/danmuck/roundctl/internal/testutil/tlstest"
)

func startTLSServer(t *testing.T, cfg TLSConfig) string {
	t.Helper()
	opts, err := ServerOptions(cfg)
	if err != nil {
		t.Fatalf("server options: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append(opts, grpc.UnknownServiceHandler(func(any, grpc.ServerStream) error { return nil }))
	srv := grpc.NewServer(opts...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

type pki struct {
	ca     *tlstest.Authority
	server tlstest.Pair
	client tlstest.Pair
}

func newPKI(t *testing.T) pki {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "roundctl-test-ca")
	return pki{
		ca:     ca,
		server: ca.IssueServerCert(t, dir, "transcoder", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")}),
		client: ca.IssueClientCert(t, dir, "agent"),
	}
}

func openAndDrain(ctx context.Context, p *Pool, addr string) error {
	s, err := p.OpenStream(ctx, addr, echoDesc, "/test.Any/Call")
	if err != nil {
		return err
	}
	if err := s.CloseSend(); err != nil {
		return err
	}
	var msg struct{}
	return s.RecvMsg(&msg)
}

func TestMutualTLSStream(t *testing.T) {
	testlog.Start(t)
	k := newPKI(t)
	addr := startTLSServer(t, TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   k.ca.CAFile(),
		CertFile: k.server.Cert,
		KeyFile:  k.server.Key,
	})

	dial, err := DialOptions(TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   k.ca.CAFile(),
		CertFile: k.client.Cert,
		KeyFile:  k.client.Key,
	})
	if err != nil {
		t.Fatalf("dial options: %v", err)
	}
	p := New(Config{DialOptions: dial})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := openAndDrain(ctx, p, addr); !errors.Is(err, io.EOF) {
		t.Fatalf("recv err=%v want EOF", err)
	}
}

func TestMutualTLSRejectsClientWithoutCert(t *testing.T) {
	testlog.Start(t)
	k := newPKI(t)
	addr := startTLSServer(t, TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   k.ca.CAFile(),
		CertFile: k.server.Cert,
		KeyFile:  k.server.Key,
	})

	dial, err := DialOptions(TLSConfig{Enabled: true, CAFile: k.ca.CAFile()})
	if err != nil {
		t.Fatalf("dial options: %v", err)
	}
	p := New(Config{MaxElapsed: 300 * time.Millisecond, DialOptions: dial})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := openAndDrain(ctx, p, addr); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected the worker to refuse a client without a certificate, got %v", err)
	}
}

func TestTLSRejectsUnknownServerCA(t *testing.T) {
	testlog.Start(t)
	k := newPKI(t)
	addr := startTLSServer(t, TLSConfig{Enabled: true, CertFile: k.server.Cert, KeyFile: k.server.Key})

	other := tlstest.NewAuthority(t, t.TempDir(), "other-ca")
	dial, err := DialOptions(TLSConfig{Enabled: true, CAFile: other.CAFile()})
	if err != nil {
		t.Fatalf("dial options: %v", err)
	}
	p := New(Config{MaxElapsed: 300 * time.Millisecond, DialOptions: dial})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.OpenStream(ctx, addr, echoDesc, "/test.Any/Call"); err == nil {
		t.Fatalf("expected handshake failure against an untrusted server")
	}
}

func TestTLSConfigValidation(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name      string
		cfg       TLSConfig
		clientErr error
		serverErr error
	}{
		{name: "disabled", cfg: TLSConfig{}},
		{name: "mutual without tls", cfg: TLSConfig{Mutual: true}, clientErr: ErrTLSRequired, serverErr: ErrTLSRequired},
		{name: "client needs ca", cfg: TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k"}, clientErr: ErrTLSCAFileRequired},
		{name: "server needs cert", cfg: TLSConfig{Enabled: true, CAFile: "ca"}, serverErr: ErrTLSCertFileRequired},
		{name: "server needs key", cfg: TLSConfig{Enabled: true, CAFile: "ca", CertFile: "c"}, serverErr: ErrTLSKeyFileRequired},
		{name: "mutual client needs key", cfg: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca", CertFile: "c"}, clientErr: ErrTLSKeyFileRequired, serverErr: ErrTLSKeyFileRequired},
		{name: "mutual server needs ca", cfg: TLSConfig{Enabled: true, Mutual: true, CertFile: "c", KeyFile: "k"}, clientErr: ErrTLSCAFileRequired, serverErr: ErrTLSCAFileRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.ValidateClient(); !errors.Is(err, tc.clientErr) {
				t.Fatalf("client err=%v want %v", err, tc.clientErr)
			}
			if err := tc.cfg.ValidateServer(); !errors.Is(err, tc.serverErr) {
				t.Fatalf("server err=%v want %v", err, tc.serverErr)
			}
		})
	}
}
