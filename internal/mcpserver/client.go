package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the purchase gateway.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token carrying the admin role
}

// Client is a pure HTTP client for the gateway's admin surface.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new gateway client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the gateway.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// doRequest makes an HTTP request to the gateway and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// ListByStatus lists purchases in one status across all agents.
func (c *Client) ListByStatus(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/purchases", q, nil)
}

// GetPurchase returns one purchase request.
func (c *Client) GetPurchase(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/purchases/"+url.PathEscape(id), nil, nil)
}

// Confirm settles a purchase, moving coins to the buyer.
func (c *Client) Confirm(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/purchases/"+url.PathEscape(id)+"/confirm", nil, nil)
}

// Reject refuses a purchase and releases the agent's hold.
func (c *Client) Reject(ctx context.Context, id, reason string) (json.RawMessage, error) {
	path := "/v1/purchases/" + url.PathEscape(id) + "/reject"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// AgentLedger returns an agent's balances.
func (c *Client) AgentLedger(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID)+"/ledger", nil, nil)
}

// FundAgent credits coins to an agent. Replaying a reference is a no-op.
func (c *Client) FundAgent(ctx context.Context, agentID string, coins int64, reference string) (json.RawMessage, error) {
	path := "/v1/admin/agents/" + url.PathEscape(agentID) + "/fund"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]any{
		"coins":     coins,
		"reference": reference,
	})
}

// Reconcile checks an agent's locked balance against its active holds.
func (c *Client) Reconcile(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/agents/"+url.PathEscape(agentID)+"/reconcile", nil, nil)
}
