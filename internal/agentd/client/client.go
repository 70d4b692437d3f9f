// Package client is the controller's HTTP client for per-VM agentd
// workers. Every body except /health travels sealed inside the
// {"encrypted": ...} envelope under the per-agent key; the X-Agent-ID
// header tells the worker which key to derive. Authenticity comes from
// the AEAD, not the header: only the controller knows the machine secret.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/secretbox"
)

const agentIDHeader = "X-Agent-ID"

// maxErrorBody bounds how much of an unexpected reply ends up in errors.
const maxErrorBody = 2048

// Client talks to one worker on behalf of one agent.
type Client struct {
	baseURL string
	agentID string
	box     *secretbox.Box
	// httpClient serves ordinary calls; longClient serves snapshot restore,
	// which streams gigabytes and outlives any sane default timeout.
	httpClient *http.Client
	longClient *http.Client
	logger     *logger.Logger
}

// New derives the agent's envelope key and returns a ready client.
func New(baseURL, agentID, machineSecret string, log *logger.Logger) (*Client, error) {
	box, err := secretbox.New(machineSecret, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive envelope key: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		agentID:    agentID,
		box:        box,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		longClient: &http.Client{Timeout: 15 * time.Minute},
		logger: log.WithFields(
			zap.String("component", "agentd-client"),
			zap.String("agent_id", agentID)),
	}, nil
}

// Health probes the worker's plaintext liveness endpoint once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls /health until it succeeds or the attempts run out.
// The worker's service restarts right after an image restore, so the
// first probes routinely fail.
func (c *Client) WaitHealthy(ctx context.Context, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		if lastErr = c.Health(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("worker did not become healthy after %d attempts: %w", attempts, lastErr)
}

// Start runs the one-time initialization.
func (c *Client) Start(ctx context.Context, req *types.StartRequest) (*types.StartResponse, error) {
	var resp types.StartResponse
	if err := c.post(ctx, "/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartWithRetry drives Start through the restore-era retry protocol:
// every attempt re-probes /health first, failures back off.
func (c *Client) StartWithRetry(ctx context.Context, req *types.StartRequest, attempts int, backoff time.Duration) (*types.StartResponse, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.Health(ctx); err != nil {
			lastErr = err
			continue
		}
		resp, err := c.Start(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.logger.Warn("start attempt failed",
			zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil, fmt.Errorf("start failed after %d attempts: %w", attempts, lastErr)
}

// Prompt enqueues a user message on the worker.
func (c *Client) Prompt(ctx context.Context, req *types.PromptRequest) (*types.PromptResponse, error) {
	var resp types.PromptResponse
	if err := c.post(ctx, "/prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Interrupt cancels the active prompt and running blocking automations.
func (c *Client) Interrupt(ctx context.Context) error {
	var resp types.StatusResponse
	return c.post(ctx, "/interrupt", struct{}{}, &resp)
}

// State reads the worker's readiness and context usage.
func (c *Client) State(ctx context.Context) (*types.StateResponse, error) {
	var resp types.StateResponse
	if err := c.post(ctx, "/claudeState", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages returns the conversation, optionally limited to entries updated
// strictly after the given time.
func (c *Client) Messages(ctx context.Context, updatedAfter time.Time) ([]types.Message, error) {
	query := url.Values{}
	if !updatedAfter.IsZero() {
		query.Set("updatedAfter", updatedAfter.UTC().Format(time.RFC3339Nano))
	}
	var resp types.MessagesResponse
	if err := c.get(ctx, "/messages", query, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// RestoreSnapshot streams a machine image into the worker from presigned
// URLs. Callers set the restore deadline on ctx.
func (c *Client) RestoreSnapshot(ctx context.Context, urls []string) error {
	req := &types.RestoreSnapshotRequest{}
	if len(urls) == 1 {
		req.PresignedDownloadURL = urls[0]
	} else {
		req.PresignedDownloadURLs = urls
	}
	var resp types.StatusResponse
	return c.postWith(ctx, c.longClient, "/restore-snapshot", req, &resp)
}

// post seals in, POSTs it, and opens the reply into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.postWith(ctx, c.httpClient, path, in, out)
}

func (c *Client) postWith(ctx context.Context, httpClient *http.Client, path string, in, out any) error {
	env, err := c.box.SealJSON(in)
	if err != nil {
		return fmt.Errorf("failed to seal request: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(agentIDHeader, c.agentID)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.decodeResponse(resp, path, out)
}

// get issues a plaintext-query request; the response body is sealed.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(agentIDHeader, c.agentID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.decodeResponse(resp, path, out)
}

// decodeResponse unwraps a worker reply. Success and application errors
// arrive sealed; envelope-level failures arrive as plaintext {error}.
func (c *Client) decodeResponse(resp *http.Response, path string, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	var env secretbox.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Encrypted != "" {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := c.box.OpenJSON(&env, out); err != nil {
				return fmt.Errorf("failed to open %s response: %w", path, err)
			}
			return nil
		}
		var appErr types.ErrorResponse
		if err := c.box.OpenJSON(&env, &appErr); err != nil {
			return fmt.Errorf("%s failed with status %d", path, resp.StatusCode)
		}
		return fmt.Errorf("%s failed: %s (status %d)", path, appErr.Error, resp.StatusCode)
	}

	var plain types.ErrorResponse
	if err := json.Unmarshal(raw, &plain); err == nil && plain.Error != "" {
		return fmt.Errorf("%s rejected: %s (status %d)", path, plain.Error, resp.StatusCode)
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return fmt.Errorf("%s returned unexpected reply (status %d): %s", path, resp.StatusCode, raw)
}
