package rpcpool

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	ErrTLSRequired         = errors.New("rpcpool: tls required")
	ErrTLSCertFileRequired = errors.New("rpcpool: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("rpcpool: tls key file required")
	ErrTLSCAFileRequired   = errors.New("rpcpool: tls ca file required")
)

// TLSConfig describes transport security between agents and workers. With
// Mutual set both sides present certificates signed by CAFile.
type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mutual     bool   `toml:"mutual"`
	CAFile     string `toml:"ca_file"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	ServerName string `toml:"server_name"`
}

func (t TLSConfig) ValidateClient() error {
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	if t.Mutual {
		if strings.TrimSpace(t.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(t.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (t TLSConfig) ValidateServer() error {
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(t.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	if t.Mutual && strings.TrimSpace(t.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// DialOptions returns the transport credentials option for t. A disabled
// config dials in plaintext.
func DialOptions(t TLSConfig) ([]grpc.DialOption, error) {
	if err := t.ValidateClient(); err != nil {
		return nil, err
	}
	if !t.Enabled {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(t.ServerName),
	}
	pool, err := loadCAPool(t.CAFile)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	if t.Mutual {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("rpcpool: load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(cfg))}, nil
}

// ServerOptions is the worker side of DialOptions. A disabled config returns
// no options.
func ServerOptions(t TLSConfig) ([]grpc.ServerOption, error) {
	if err := t.ValidateServer(); err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: load server keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if t.Mutual {
		pool, err := loadCAPool(t.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(cfg))}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: read tls ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("rpcpool: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
