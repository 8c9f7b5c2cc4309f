package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	logs "github.com/danmuck/roundctl/internal/logging"
	"github.com/danmuck/roundctl/internal/round"
)

var ErrRemote = errors.New("ledger: remote error")

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
	BaseDelay  time.Duration
	Jitter     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:    "http://127.0.0.1:9400",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Jitter:     250 * time.Millisecond,
	}
}

// Client talks to a ledger service over its HTTP API. Reads are retried with
// fibonacci backoff; writes are sent once because the ledger does not
// deduplicate them.
type Client struct {
	cfg  ClientConfig
	base string
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	d := DefaultClientConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewFibonacci(c.cfg.BaseDelay)
	b = retry.WithMaxRetries(c.cfg.MaxRetries, b)
	if c.cfg.Jitter > 0 {
		b = retry.WithJitter(c.cfg.Jitter, b)
	}
	return b
}

func (c *Client) AdvanceEpoch(ctx context.Context) (AdvanceResponse, error) {
	var out AdvanceResponse
	err := c.once(ctx, http.MethodPost, "/epochs/advance", nil, &out)
	return out, err
}

func (c *Client) RoundInfo(ctx context.Context) (round.Info, error) {
	var out round.Info
	err := c.read(ctx, "/epochs/current", &out)
	return out, err
}

func (c *Client) EpochStatus(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.read(ctx, "/epochs/current/status", &out)
	return out, err
}

func (c *Client) PublishTask(ctx context.Context, epochID uint32, owner string, spec round.TaskSpec) (round.TaskID, error) {
	var out PublishResponse
	req := PublishRequest{EpochID: epochID, Owner: owner, Task: spec}
	if err := c.once(ctx, http.MethodPost, "/tasks", req, &out); err != nil {
		return round.TaskID{}, err
	}
	return out.TaskID, nil
}

func (c *Client) Task(ctx context.Context, id round.TaskID) (round.TaskRecord, error) {
	var out round.TaskRecord
	path := fmt.Sprintf("/tasks/%d/%d", id.Epoch, id.Sequence)
	err := c.read(ctx, path, &out)
	return out, err
}

func (c *Client) CountTasks(ctx context.Context) (uint64, error) {
	var out CountResponse
	err := c.read(ctx, "/tasks/count", &out)
	return out.Count, err
}

// QueryEvents returns the raw batch for [from, from+count).
func (c *Client) QueryEvents(ctx context.Context, from, count uint64) (EventsResponse, error) {
	var out EventsResponse
	err := c.read(ctx, "/events?"+rangeQuery(from, count), &out)
	return out, err
}

func (c *Client) QueryEpochEvents(ctx context.Context, epochID uint32, from, count uint64) (EventsResponse, error) {
	var out EventsResponse
	path := fmt.Sprintf("/epochs/%d/events?%s", epochID, rangeQuery(from, count))
	err := c.read(ctx, path, &out)
	return out, err
}

func (c *Client) CountEvents(ctx context.Context) (uint64, error) {
	var out CountResponse
	err := c.read(ctx, "/events/count", &out)
	return out.Count, err
}

func (c *Client) EventBounds(ctx context.Context) (first, total uint64, err error) {
	var out BoundsResponse
	err = c.read(ctx, "/events/bounds", &out)
	return out.First, out.Total, err
}

func (c *Client) SetProfileField(ctx context.Context, principal, field, value string) error {
	path := "/profiles/" + url.PathEscape(principal) + "/" + url.PathEscape(field)
	return c.once(ctx, http.MethodPut, path, ProfileFieldRequest{Value: value}, nil)
}

func (c *Client) Profile(ctx context.Context, principal string) (map[string]string, error) {
	var out ProfileResponse
	err := c.read(ctx, "/profiles/"+url.PathEscape(principal), &out)
	return out.Fields, err
}

func rangeQuery(from, count uint64) string {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("count", strconv.FormatUint(count, 10))
	return q.Encode()
}

func (c *Client) read(ctx context.Context, path string, out any) error {
	attempt := 0
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var te *transientError
		if errors.As(err, &te) {
			logs.Debugf("ledger.Client.read path=%q attempt=%d err=%v", path, attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out)
	var te *transientError
	if errors.As(err, &te) {
		return te.err
	}
	return err
}

// transientError marks failures worth retrying: transport errors and 5xx.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledger: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("ledger: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{err: fmt.Errorf("%w: read %s %s: %v", ErrRemote, method, path, err)}
	}
	if resp.StatusCode >= 400 {
		return decodeFailure(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrRemote, method, path, err)
	}
	return nil
}

func decodeFailure(method, path string, status int, data []byte) error {
	var body ErrorResponse
	_ = json.Unmarshal(data, &body)
	msg := strings.TrimSpace(body.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if sentinel := errorForCode(body.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	err := fmt.Errorf("%w: %s %s status=%d: %s", ErrRemote, method, path, status, msg)
	if status >= 500 {
		return &transientError{err: err}
	}
	return err
}
