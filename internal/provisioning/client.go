// Package provisioning asks the backend API for a web-call URL.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicecall/internal/reliability"
)

const (
	DefaultBaseURL = "https://api.careerkarma.com"

	// CompanionPath provisions a call against a companion (assistant).
	CompanionPath = "/rest/v1/call/web"
	// WorkflowPath provisions a call against a workflow.
	WorkflowPath = "/rest/v2/call/web"

	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 1 << 20
)

var ErrProvisioning = errors.New("provisioning failed")

// Request selects what to call. A CompanionID selects the companion
// endpoint; otherwise the workflow endpoint is used.
type Request struct {
	CompanionID string
	WorkflowID  string
	UserID      string
	Variables   map[string]any
	Metadata    map[string]any
}

// Client calls the provisioning API.
type Client struct {
	baseURL   string
	publicKey string
	token     string
	http      *http.Client
	retry     reliability.Retry
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry re-attempts transient failures up to attempts more times.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		if attempts < 0 {
			attempts = 0
		}
		c.retry = reliability.Retry{Attempts: attempts, Base: base, Cap: 8 * base}
	}
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func New(baseURL, publicKey string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:   baseURL,
		publicKey: strings.TrimSpace(publicKey),
		http:      &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type webCallBody struct {
	AssistantID string         `json:"assistantId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	ExternalID  string         `json:"externalId,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// WebCallURL provisions a call and returns its join URL. An empty URL with
// a nil error means the backend answered without one.
func (c *Client) WebCallURL(ctx context.Context, req Request) (string, error) {
	path := WorkflowPath
	if req.CompanionID != "" {
		path = CompanionPath
	}
	body := webCallBody{
		AssistantID: req.CompanionID,
		WorkflowID:  req.WorkflowID,
		ExternalID:  req.UserID,
		Variables:   req.Variables,
		Metadata:    req.Metadata,
	}
	if body.Metadata == nil {
		body.Metadata = map[string]any{}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrProvisioning, err)
	}

	for attempt := 0; ; attempt++ {
		url, retryable, err := c.post(ctx, path, raw)
		if err == nil || !retryable || attempt >= c.retry.Attempts {
			return url, err
		}
		if werr := c.retry.Wait(ctx, attempt+1); werr != nil {
			return "", err
		}
	}
}

// post performs one provisioning round trip. retryable marks transient
// failures: network errors and 429/5xx answers without an error field.
func (c *Client) post(ctx context.Context, path string, raw []byte) (url string, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", false, fmt.Errorf("%w: build request: %v", ErrProvisioning, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("X-Public-Token", c.token)
	}
	if c.publicKey != "" {
		httpReq.Header.Set("X-Public-Key", c.publicKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", reliability.IsRetryableError(err), fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", true, fmt.Errorf("%w: read response: %v", ErrProvisioning, err)
	}

	transient := reliability.IsRetryableHTTPStatus(resp.StatusCode)
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", transient, fmt.Errorf("%w: status %d: unparsable body: %v", ErrProvisioning, resp.StatusCode, err)
	}
	if msg, ok := errorText(decoded["error"]); ok {
		return "", false, fmt.Errorf("%w: %s", ErrProvisioning, msg)
	}
	if resp.StatusCode >= 400 {
		return "", transient, fmt.Errorf("%w: status %d", ErrProvisioning, resp.StatusCode)
	}

	url, _ = decoded["webCallUrl"].(string)
	return strings.TrimSpace(url), false, nil
}

func errorText(v any) (string, bool) {
	switch e := v.(type) {
	case nil:
		return "", false
	case bool:
		if !e {
			return "", false
		}
		return "error", true
	case string:
		if e == "" {
			return "", false
		}
		return e, true
	case float64:
		if e == 0 {
			return "", false
		}
		return fmt.Sprint(e), true
	default:
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Sprint(e), true
		}
		return string(raw), true
	}
}
