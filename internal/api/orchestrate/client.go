// Package orchestrate is a small HTTP client for the agent runtime's runs and
// threads endpoints.
package orchestrate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/agent-relay/internal/domain"
)

const (
	runsPath        = "/v1/orchestrate/runs"
	threadsPath     = "/v1/orchestrate/threads"
	userAgent       = "agent-relay/1.0"
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 300
	maxMessagesBody = 8 << 20
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPollTimeout bounds each thread messages request.
func WithPollTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pollTimeout = timeout
	}
}

// Client talks to the agent runtime.
type Client struct {
	baseURL     string
	agentID     string
	httpClient  *http.Client
	pollTimeout time.Duration
}

// NewClient creates a client for the runtime at baseURL, starting runs
// against agentID.
func NewClient(baseURL, agentID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		agentID:     agentID,
		httpClient:  http.DefaultClient,
		pollTimeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient builds the traced HTTP client used for upstream calls.
// connectTimeout bounds dialing and the TLS handshake, headerTimeout bounds
// the wait for response headers. There is no overall timeout since run
// streams are long lived; callers bound them through the context.
func NewHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// StatusError reports a non-success response. Body holds at most the first
// few hundred bytes of the response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// StartRun starts a streaming run and returns the open event feed. The caller
// must close it. Non-200 responses are returned as *StatusError.
func (c *Client) StartRun(ctx context.Context, token string, req domain.ChatRequest) (io.ReadCloser, error) {
	body, err := BuildRunPayload(c.agentID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build run payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+runsPath+"?stream=true", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}

	return resp.Body, nil
}

// ListMessages returns the messages of a thread.
func (c *Client) ListMessages(ctx context.Context, token, threadID string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	endpoint := c.baseURL + threadsPath + "/" + url.PathEscape(threadID) + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMessagesBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return ParseMessages(respBody)
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.ToValidUTF8(string(body), ""),
	}
}
