package main

import (
	"bufio"
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

	"github.com/BaSui01/minionflow/api/handlers"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/internal/tlsutil"
)

// APIError is a failed API response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// envelope mirrors handlers.Response with the payload left undecoded.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// JobFilter narrows GET /jobs.
type JobFilter struct {
	Function string
	Target   string
	User     string
	Since    string
	Until    string
	Limit    int
}

func (f JobFilter) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{
		"function":   f.Function,
		"target":     f.Target,
		"user":       f.User,
		"start_time": f.Since,
		"end_time":   f.Until,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// Client talks to the master HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for the master at baseURL. caFile and insecure
// configure TLS for https masters.
func NewClient(baseURL, token, caFile string, insecure bool, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q: scheme must be http or https", baseURL)
	}
	tlsCfg, err := tlsutil.ClientConfig(caFile, insecure)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:  u,
		token: token,
		http:  tlsutil.SecureHTTPClient(timeout, tlsCfg),
	}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "unreadable response: " + err.Error()}
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Retryable = env.Error.Retryable
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// Login opens a session.
func (c *Client) Login(ctx context.Context, req handlers.LoginRequest) (*handlers.LoginResponse, error) {
	var out handlers.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout revokes the client's token.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, map[string]any{}, nil)
}

// Lowstate submits one or more low requests under the client's token.
func (c *Client) Lowstate(ctx context.Context, lows ...map[string]any) ([]*dispatch.Reply, error) {
	var out handlers.LowstateResponse
	if err := c.do(ctx, http.MethodPost, "/", nil, lows, &out); err != nil {
		return nil, err
	}
	return out.Return, nil
}

// Jobs lists ledger entries keyed by jid.
func (c *Client) Jobs(ctx context.Context, f JobFilter) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/jobs", f.query(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Job returns the per-minion results of jid.
func (c *Client) Job(ctx context.Context, jid string) (*handlers.JobResponse, error) {
	var out handlers.JobResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jid), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Minions lists minions answering a ping, optionally within a target.
func (c *Client) Minions(ctx context.Context, tgt, tgtType string) ([]string, error) {
	q := url.Values{}
	if tgt != "" {
		q.Set("tgt", tgt)
		if tgtType != "" {
			q.Set("tgt_type", tgtType)
		}
	}
	var out []string
	if err := c.do(ctx, http.MethodGet, "/minions", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping sends test.ping to a single minion.
func (c *Client) Ping(ctx context.Context, id string) (*dispatch.Reply, error) {
	var out dispatch.Reply
	if err := c.do(ctx, http.MethodGet, "/minions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// errStopStream ends Events without an error.
var errStopStream = errors.New("stop stream")

// Events follows the server-sent event stream for tags under prefix until
// ctx ends, fn returns an error, or the server closes the stream. fn
// returning errStopStream ends the stream cleanly.
func (c *Client) Events(ctx context.Context, prefix string, fn func(event.Event) error) error {
	q := url.Values{}
	if prefix != "" {
		q.Set("tag", prefix)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/events", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives the request timeout
	streamer := *c.http
	streamer.Timeout = 0
	resp, err := streamer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				if errors.Is(err, errStopStream) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
