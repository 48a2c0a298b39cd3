package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/circuitbreaker"
	"github.com/mbd888/accountmarket/internal/idgen"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/metrics"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/retry"
	"github.com/mbd888/accountmarket/internal/traces"
)

// maxRetryDelay caps a single backoff so a page load never stalls on one read.
const maxRetryDelay = 2 * time.Second

// ClientConfig configures the HTTP client for the marketplace API.
type ClientConfig struct {
	BaseURL           string        // e.g. "https://api.example.com"
	Timeout           time.Duration // per attempt
	ReadRetryAttempts int
	RetryBaseDelay    time.Duration
}

// Client talks to the marketplace API over HTTPS. Reads are retried on
// transient failures; mutations are sent exactly once and carry an
// Idempotency-Key so the server can de-duplicate.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

var _ Remote = (*Client)(nil)

// NewClient creates a client. breaker may be shared with the health registry.
func NewClient(cfg ClientConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ReadRetryAttempts <= 0 {
		cfg.ReadRetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// errorBody is the error envelope returned by the marketplace.
type errorBody struct {
	Code       Code   `json:"code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	PaymentURL string `json:"payment_url"`
}

// doRequest makes one HTTP request to the marketplace and decodes the
// response into out.
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "api."+op, traces.Operation(op))
	start := time.Now()
	defer func() {
		metrics.APIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = string(Classify(err))
		}
		metrics.APIRequestsTotal.WithLabelValues(op, result).Inc()
		traces.End(span, err)
	}()

	viewer, ok := auth.FromContext(ctx)
	if !ok || viewer.Token == "" {
		return auth.ErrNoViewer
	}

	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+viewer.Token)
	req.Header.Set("Accept", "application/json")
	if viewer.Language != "" {
		req.Header.Set("Accept-Language", viewer.Language)
	}
	if reqID := logging.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	traces.Inject(ctx, req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		key := IdempotencyKeyFrom(ctx)
		if key == "" {
			key = idgen.IdempotencyKey()
		}
		req.Header.Set("Idempotency-Key", key)
	}

	return c.breaker.Execute(op, Retryable, func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: request failed: %w", op, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%s: read response: %w", op, err)
		}
		span.SetAttributes(traces.HTTPStatus(resp.StatusCode))

		if resp.StatusCode >= 400 {
			return decodeError(resp.StatusCode, respBody)
		}
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	})
}

func decodeError(status int, body []byte) *Error {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && (eb.Code != "" || eb.Message != "") {
		code := eb.Code
		if code == "" {
			code = Code(eb.Error)
		}
		if code == "" {
			code = codeForStatus(status)
		}
		return &Error{Status: status, Code: code, Message: eb.Message, PaymentURL: eb.PaymentURL}
	}
	return &Error{Status: status, Code: codeForStatus(status), Message: http.StatusText(status)}
}

// read performs a GET, retrying transient failures.
func (c *Client) read(ctx context.Context, op, path string, query url.Values, out any) error {
	p := retry.Policy{
		Attempts:  c.cfg.ReadRetryAttempts,
		BaseDelay: c.cfg.RetryBaseDelay,
		MaxDelay:  maxRetryDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.APIRetriesTotal.WithLabelValues(op).Inc()
			c.logger.Debug("retrying read", "op", op, "attempt", attempt, "wait", wait,
				"request_id", logging.RequestID(ctx), "error", err)
		},
	}
	return p.Run(ctx, func(ctx context.Context) error {
		err := c.doRequest(ctx, op, http.MethodGet, path, query, nil, out)
		if err != nil && (!Retryable(err) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return retry.Stop(err)
		}
		return err
	})
}

// write performs a state-changing request exactly once.
func (c *Client) write(ctx context.Context, op, method, path string, body, out any) error {
	return c.doRequest(ctx, op, method, path, nil, body, out)
}

func (c *Client) CreateOrder(ctx context.Context, listingID string) (*order.Order, error) {
	var o order.Order
	body := map[string]string{"listing_id": listingID}
	if err := c.write(ctx, "create_order", http.MethodPost, "/v1/orders", body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	var o order.Order
	if err := c.read(ctx, "get_order", "/v1/orders/"+url.PathEscape(orderID), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) UpdateOrder(ctx context.Context, orderID string, status order.Status) (*order.Order, error) {
	var o order.Order
	body := map[string]order.Status{"status": status}
	if err := c.write(ctx, "update_order", http.MethodPatch, "/v1/orders/"+url.PathEscape(orderID), body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	var o order.Order
	if err := c.write(ctx, "cancel_order", http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) ListOrders(ctx context.Context, filter OrderFilter) ([]*order.Order, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Side != "" {
		q.Set("side", string(filter.Side))
	}
	if filter.HasDispute != nil {
		q.Set("has_dispute", strconv.FormatBool(*filter.HasDispute))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Cursor != "" {
		q.Set("cursor", filter.Cursor)
	}

	var resp struct {
		Orders []*order.Order `json:"orders"`
	}
	if err := c.read(ctx, "list_orders", "/v1/orders", q, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *Client) GetListing(ctx context.Context, listingID string) (*order.Listing, error) {
	var l order.Listing
	if err := c.read(ctx, "get_listing", "/v1/listings/"+url.PathEscape(listingID), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) CreatePaymentLink(ctx context.Context, orderID string) (*PaymentLink, error) {
	var link PaymentLink
	path := "/v1/orders/" + url.PathEscape(orderID) + "/payment-link"
	if err := c.write(ctx, "create_payment_link", http.MethodPost, path, nil, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

func (c *Client) CreateHostedCheckout(ctx context.Context, orderID string) (*HostedCheckout, error) {
	var hc HostedCheckout
	path := "/v1/orders/" + url.PathEscape(orderID) + "/hosted-checkout"
	if err := c.write(ctx, "create_hosted_checkout", http.MethodPost, path, nil, &hc); err != nil {
		return nil, err
	}
	return &hc, nil
}

func (c *Client) GetHostedCheckoutStatus(ctx context.Context, resourcePath, orderID string) (*HostedCheckoutStatus, error) {
	var st HostedCheckoutStatus
	path := "/v1/orders/" + url.PathEscape(orderID) + "/hosted-checkout/status"
	q := url.Values{"resource_path": {resourcePath}}
	if err := c.read(ctx, "get_hosted_checkout_status", path, q, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) CreateDispute(ctx context.Context, req CreateDisputeRequest) (*order.Dispute, error) {
	var d order.Dispute
	if err := c.write(ctx, "create_dispute", http.MethodPost, "/v1/disputes", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) GetDispute(ctx context.Context, disputeID string) (*order.Dispute, error) {
	var d order.Dispute
	if err := c.read(ctx, "get_dispute", "/v1/disputes/"+url.PathEscape(disputeID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) CancelDispute(ctx context.Context, disputeID string) (*order.Dispute, error) {
	var d order.Dispute
	path := "/v1/disputes/" + url.PathEscape(disputeID) + "/cancel"
	if err := c.write(ctx, "cancel_dispute", http.MethodPost, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*order.Dispute, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.OrderID != "" {
		q.Set("order_id", filter.OrderID)
	}

	var resp struct {
		Disputes []*order.Dispute `json:"disputes"`
	}
	if err := c.read(ctx, "list_disputes", "/v1/disputes", q, &resp); err != nil {
		return nil, err
	}
	return resp.Disputes, nil
}
