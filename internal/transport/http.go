// Package transport implements the wire client for the authoritative sync
// server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// pushRequest is the body of POST /api/v1/sync/push. PushID lets the
// server deduplicate a batch that was delivered but whose response was
// lost.
type pushRequest struct {
	PushID     string            `json:"push_id"`
	SourceID   string            `json:"source_id"`
	Operations []types.Operation `json:"operations"`
}

type pushResponse struct {
	Results map[string]types.OperationResult `json:"results"`
}

// Client sends operation batches to the sync server over HTTP with bearer
// auth. Safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	sourceID string
	client   *http.Client
}

// NewClient creates a transport client for the given server. A zero
// timeout defaults to 30s.
func NewClient(baseURL, apiKey, sourceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		sourceID: sourceID,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendBatch pushes one batch and returns per-operation outcomes. Any
// transport or non-2xx response is returned as an error; the caller owns
// retry policy.
func (c *Client) SendBatch(ctx context.Context, ops []types.Operation) (*types.BatchResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("sync server URL not configured")
	}

	body, err := json.Marshal(pushRequest{
		PushID:     uuid.NewString(),
		SourceID:   c.sourceID,
		Operations: ops,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("push batch: server returned %d: %s", resp.StatusCode, string(msg))
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}

	return &types.BatchResult{Results: decoded.Results}, nil
}

// Ping checks connectivity to the sync server.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("sync server URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
