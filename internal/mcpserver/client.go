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
	"strings"
	"time"
)

// Config holds the configuration for connecting to the marketplace front end.
type Config struct {
	APIURL  string        // Base URL of the accountmarket server, e.g. "http://localhost:8080"
	Token   string        // Viewer session token
	Timeout time.Duration // Per-request timeout; 30s when zero
}

// MarketClient is a pure HTTP client for the accountmarket /v1 API.
type MarketClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMarketClient creates a new client.
func NewMarketClient(cfg Config) *MarketClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MarketClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is an error response from the server.
type APIError struct {
	Status   int    `json:"-"`
	Code     string `json:"error"`
	Message  string `json:"message"`
	LinkURL  string `json:"link_url,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *MarketClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// GetOrder returns the view of one order.
func (c *MarketClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil)
}

// ListOrders lists the viewer's orders, optionally filtered by status and side.
func (c *MarketClient) ListOrders(ctx context.Context, status, side string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if side != "" {
		q.Set("side", side)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/orders", q, nil)
}

// ConfirmReceipt completes an escrowed order as its buyer.
func (c *MarketClient) ConfirmReceipt(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/confirm", nil, nil)
}

// DisputeCandidates lists orders that can receive a new dispute.
func (c *MarketClient) DisputeCandidates(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/candidates", nil, nil)
}

// ListDisputes lists the viewer's disputes.
func (c *MarketClient) ListDisputes(ctx context.Context, status string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes", q, nil)
}

// OpenDispute opens a dispute against an order.
func (c *MarketClient) OpenDispute(ctx context.Context, orderID, reason, description string) (json.RawMessage, error) {
	body := map[string]string{
		"order_id":    orderID,
		"reason":      reason,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body)
}

// CancelDispute withdraws an open dispute.
func (c *MarketClient) CancelDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/cancel", nil, nil)
}
