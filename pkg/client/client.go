// Package client talks to a ciphernotes server. Raw calls move envelopes;
// Share, Open, Edit and Remove wrap them in the client cipher session so
// plaintext and keys stay local.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	SessionHeader = "X-Session-ID"

	defaultRetryMax = 3
	maxResponseSize = 4 << 20
)

type Client struct {
	base    string
	session string
	http    *retryablehttp.Client
}

type Option func(*Client)

func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.HTTPClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.http.Logger = leveledLogger{l} }
}

// New returns a client for the server at baseURL acting as session. An empty
// session leaves ownership to the cookie the server issues, which this client
// does not keep, so pass one to be able to edit or delete later.
func New(baseURL, session string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("invalid server url %q", baseURL)
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultRetryMax
	rc.Logger = leveledLogger{zerolog.Nop()}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 30 * time.Second
	c := &Client{
		base:    strings.TrimSuffix(u.String(), "/"),
		session: session,
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type noRetryKey struct{}

// checkRetry retries idempotent requests only. POST is marked through the
// context because a retried create could store the note twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if v, _ := ctx.Value(noRetryKey{}).(bool); v {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (status %d, request %s)", e.Message, e.Status, e.RequestID)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func IsNotFound(err error) bool  { return statusOf(err) == http.StatusNotFound }
func IsForbidden(err error) bool { return statusOf(err) == http.StatusForbidden }

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type CreateRequest struct {
	Content     string   `json:"content"`
	AutoDelete  bool     `json:"autoDelete,omitempty"`
	ExpiryHours *float64 `json:"expiryHours,omitempty"`
}

type Paste struct {
	ID        string
	Content   string
	IsOwner   bool
	CreatedAt time.Time
}

type pasteResp struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	IsOwner   bool   `json:"isOwner"`
	CreatedAt int64  `json:"createdAt"`
}

type messageResp struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type errResp struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *Client) CreatePaste(ctx context.Context, req CreateRequest) (string, error) {
	var resp messageResp
	ctx = context.WithValue(ctx, noRetryKey{}, true)
	if err := c.do(ctx, http.MethodPost, "/api/paste", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("server returned no paste id")
	}
	return resp.ID, nil
}

func (c *Client) GetPaste(ctx context.Context, id string) (*Paste, error) {
	var resp pasteResp
	if err := c.do(ctx, http.MethodGet, pastePath(id), nil, &resp); err != nil {
		return nil, err
	}
	return &Paste{
		ID:        resp.ID,
		Content:   resp.Content,
		IsOwner:   resp.IsOwner,
		CreatedAt: time.UnixMilli(resp.CreatedAt),
	}, nil
}

func (c *Client) UpdatePaste(ctx context.Context, id, content string) error {
	body := struct {
		Content string `json:"content"`
	}{content}
	return c.do(ctx, http.MethodPut, pastePath(id), body, nil)
}

func (c *Client) DeletePaste(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, pastePath(id), nil, nil)
}

func pastePath(id string) string {
	return "/api/paste/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, bodyOrNil(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != "" {
		req.Header.Set(SessionHeader, c.session)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e errResp
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.RequestID = e.RequestID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}

// bodyOrNil keeps a nil slice from becoming an empty, non-nil body.
func bodyOrNil(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}
