// Package blob moves task payloads in and out of content-addressed storage.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	logs "github.com/danmuck/roundctl/internal/logging"
)

// MaxCatBytes bounds Cat; larger objects go through Get.
const MaxCatBytes = 32 << 20

var (
	ErrEmptyCID = errors.New("blob: empty content id")
	ErrRemote   = errors.New("blob: remote error")
	ErrTooLarge = errors.New("blob: object too large to read into memory")
)

// Progress reports bytes copied so far. Total is zero when unknown.
type Progress struct {
	Bytes uint64
	Total uint64
}

// Stat describes a stored object. CumulativeSize covers the object and
// everything it links to.
type Stat struct {
	Hash           string `json:"hash"`
	NumLinks       int    `json:"num_links"`
	BlockSize      uint64 `json:"block_size"`
	LinksSize      uint64 `json:"links_size"`
	DataSize       uint64 `json:"data_size"`
	CumulativeSize uint64 `json:"cumulative_size"`
}

type Store interface {
	Put(ctx context.Context, path string) (string, error)
	Get(ctx context.Context, cid, dest string, progress chan<- Progress) error
	Cat(ctx context.Context, cid string) ([]byte, error)
	Stat(ctx context.Context, cid string) (Stat, error)
}

type IPFSConfig struct {
	APIURL     string
	Timeout    time.Duration
	MaxRetries uint64
}

func DefaultIPFSConfig() IPFSConfig {
	return IPFSConfig{
		APIURL:     "http://127.0.0.1:5001",
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
	}
}

// IPFSClient talks to a node's HTTP RPC API.
type IPFSClient struct {
	cfg  IPFSConfig
	base string
	http *http.Client
}

var _ Store = (*IPFSClient)(nil)

func NewIPFSClient(cfg IPFSConfig) *IPFSClient {
	d := DefaultIPFSConfig()
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = d.APIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &IPFSClient{
		cfg:  cfg,
		base: strings.TrimRight(cfg.APIURL, "/") + "/api/v0",
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put uploads the file at path and returns its content id.
func (c *IPFSClient) Put(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("blob: read %s: %w", path, err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("blob: form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("blob: form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("blob: form: %w", err)
	}

	var out addResponse
	err = c.retry(ctx, "add", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/add?pin=true", bytes.NewReader(body.Bytes()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := c.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("%w: decode add: %v", ErrRemote, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", fmt.Errorf("%w: add returned no hash", ErrRemote)
	}
	logs.Infof("blob.IPFSClient.Put path=%s cid=%s bytes=%d", path, out.Hash, len(data))
	return out.Hash, nil
}

// Get streams cid into dest. Progress sends never block the copy; the last
// one reports Bytes == Total.
func (c *IPFSClient) Get(ctx context.Context, cid, dest string, progress chan<- Progress) error {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return ErrEmptyCID
	}
	endpoint := c.base + "/cat?arg=" + url.QueryEscape(cid)
	return c.retry(ctx, "get", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("blob: create %s: %w", dest, err)
		}
		defer f.Close()

		total := contentLength(resp)
		if total == 0 {
			if st, err := c.Stat(ctx, cid); err == nil {
				total = st.CumulativeSize
			}
		}
		pw := &progressWriter{w: f, total: total, ch: progress}
		if _, err := io.Copy(pw, resp.Body); err != nil {
			return retry.RetryableError(fmt.Errorf("%w: copy %s: %v", ErrRemote, cid, err))
		}
		pw.total = pw.done
		pw.report()
		logs.Infof("blob.IPFSClient.Get cid=%s dest=%s bytes=%d", cid, dest, pw.done)
		return nil
	})
}

// Cat returns the object's bytes, refusing objects over MaxCatBytes.
func (c *IPFSClient) Cat(ctx context.Context, cid string) ([]byte, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return nil, ErrEmptyCID
	}
	endpoint := c.base + "/cat?arg=" + url.QueryEscape(cid)
	var out []byte
	err := c.retry(ctx, "cat", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxCatBytes+1))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: read %s: %v", ErrRemote, cid, err))
		}
		if len(data) > MaxCatBytes {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, cid, MaxCatBytes)
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	logs.Debugf("blob.IPFSClient.Cat cid=%s bytes=%d", cid, len(out))
	return out, nil
}

type objectStat struct {
	Hash           string `json:"Hash"`
	NumLinks       int    `json:"NumLinks"`
	BlockSize      uint64 `json:"BlockSize"`
	LinksSize      uint64 `json:"LinksSize"`
	DataSize       uint64 `json:"DataSize"`
	CumulativeSize uint64 `json:"CumulativeSize"`
}

func (c *IPFSClient) Stat(ctx context.Context, cid string) (Stat, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return Stat{}, ErrEmptyCID
	}
	endpoint := c.base + "/object/stat?arg=" + url.QueryEscape(cid)
	var out objectStat
	err := c.retry(ctx, "stat", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("%w: decode stat: %v", ErrRemote, err)
		}
		return nil
	})
	if err != nil {
		return Stat{}, err
	}
	return Stat(out), nil
}

func (c *IPFSClient) retry(ctx context.Context, op string, fn retry.RetryFunc) error {
	b := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewFibonacci(200*time.Millisecond))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil {
			logs.Debugf("blob.IPFSClient.%s attempt=%d err=%v", op, attempt, err)
		}
		return err
	})
}

// send performs req, marking transport errors and 5xx responses retryable.
func (c *IPFSClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("%w: %s: %v", ErrRemote, req.URL.Path, err))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := fmt.Errorf("%w: %s status=%d: %s", ErrRemote, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return nil, retry.RetryableError(err)
		}
		return nil, err
	}
	return resp, nil
}

func contentLength(resp *http.Response) uint64 {
	if v := resp.Header.Get("X-Content-Length"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	if resp.ContentLength > 0 {
		return uint64(resp.ContentLength)
	}
	return 0
}

type progressWriter struct {
	w     io.Writer
	done  uint64
	total uint64
	ch    chan<- Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += uint64(n)
	p.report()
	return n, err
}

func (p *progressWriter) report() {
	if p.ch == nil {
		return
	}
	select {
	case p.ch <- Progress{Bytes: p.done, Total: p.total}:
	default:
	}
}
