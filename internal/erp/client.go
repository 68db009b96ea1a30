// Package erp is the client for the external inventory/ERP backend. The
// backend is consumed as a black box with a request/response contract;
// calls carry bounded timeouts and run behind a circuit breaker.
package erp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"github.com/partstream/messaging-backend/pkg/logger"
)

// ErrUnavailable marks the backend as temporarily unreachable (breaker
// open, timeout, 5xx). Callers treat it as a transient failure.
var ErrUnavailable = errors.New("erp: backend unavailable")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("erp: status %d: %s", e.Status, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}

// IsTransient classifies an error from this package.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}

// Config holds client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the inventory/ERP backend.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	cache   *cache.Cache
	log     *logger.Logger
}

// New creates an ERP client.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "erp",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("erp breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		cache:   cache.New(5*time.Minute, 10*time.Minute),
		log:     log,
	}
}

// Part is one inventory item.
type Part struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Brand      string `json:"brand,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
}

// StockRow is availability at one branch.
type StockRow struct {
	BranchID     string `json:"branch_id"`
	BranchName   string `json:"branch_name"`
	City         string `json:"city"`
	PostalPrefix string `json:"postal_prefix"`
	Quantity     int    `json:"quantity"`
}

// Availability is cross-location stock for one part.
type Availability struct {
	Part Part       `json:"part"`
	Rows []StockRow `json:"rows"`
}

// Vehicle is a decoded VIN.
type Vehicle struct {
	VIN    string `json:"vin"`
	Make   string `json:"make"`
	Model  string `json:"model"`
	Year   int    `json:"year"`
	Engine string `json:"engine,omitempty"`
}

// ReserveRequest asks the backend to commit stock to an order.
type ReserveRequest struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	ClientName string `json:"client_name"`
	Locator    string `json:"locator"`
}

// ReserveResult confirms a committed order.
type ReserveResult struct {
	OrderID    string `json:"order_id"`
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
}

// TicketRequest opens a support ticket.
type TicketRequest struct {
	ClientName string `json:"client_name"`
	Subject    string `json:"subject"`
	Detail     string `json:"detail"`
}

// Ticket is an opened support ticket.
type Ticket struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

// QuoteRequest asks for a shipping estimate to the client's locality.
type QuoteRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Locator  string `json:"locator"`
}

// Quote is a shipping estimate.
type Quote struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	EtaDays     int    `json:"eta_days"`
	Carrier     string `json:"carrier,omitempty"`
}

// do executes one request through the breaker and classifies failures.
// Permanent 4xx responses are surfaced without tripping the breaker.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.IsError() {
			apiErr := &APIError{Status: resp.StatusCode(), Message: string(resp.Body())}
			if apiErr.Transient() {
				return nil, apiErr
			}
			return apiErr, nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return err
	}
	if apiErr, ok := result.(*APIError); ok {
		return apiErr
	}
	return nil
}

// get runs a GET with a short transient-retry loop.
func (c *Client) get(ctx context.Context, path string, out any) error {
	op := func() error {
		err := c.do(ctx, resty.MethodGet, path, nil, out)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, b)
}

// SearchParts queries the catalog by free-text description or SKU.
func (c *Client) SearchParts(ctx context.Context, query string) ([]Part, error) {
	key := "search:" + query
	if v, ok := c.cache.Get(key); ok {
		return v.([]Part), nil
	}

	var result struct {
		Parts []Part `json:"parts"`
	}
	if err := c.get(ctx, "/v1/parts?q="+url.QueryEscape(query), &result); err != nil {
		return nil, err
	}
	c.cache.Set(key, result.Parts, cache.DefaultExpiration)
	return result.Parts, nil
}

// CheckStock returns availability across all branches. Never cached:
// purchase confirmation depends on fresh numbers.
func (c *Client) CheckStock(ctx context.Context, sku string) (*Availability, error) {
	var result Availability
	if err := c.get(ctx, "/v1/parts/"+sku+"/stock", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReserveOrder commits stock to an order.
func (c *Client) ReserveOrder(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	var result ReserveResult
	if err := c.do(ctx, resty.MethodPost, "/v1/orders", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DecodeVIN resolves a VIN to vehicle fitment data.
func (c *Client) DecodeVIN(ctx context.Context, vin string) (*Vehicle, error) {
	key := "vin:" + vin
	if v, ok := c.cache.Get(key); ok {
		vehicle := v.(Vehicle)
		return &vehicle, nil
	}

	var result Vehicle
	if err := c.get(ctx, "/v1/vin/"+vin, &result); err != nil {
		return nil, err
	}
	c.cache.Set(key, result, cache.DefaultExpiration)
	return &result, nil
}

// CreateTicket opens a support ticket.
func (c *Client) CreateTicket(ctx context.Context, req TicketRequest) (*Ticket, error) {
	var result Ticket
	if err := c.do(ctx, resty.MethodPost, "/v1/tickets", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QuoteShipping estimates shipping for a part to the client's locality.
func (c *Client) QuoteShipping(ctx context.Context, req QuoteRequest) (*Quote, error) {
	var result Quote
	if err := c.do(ctx, resty.MethodPost, "/v1/shipping/quote", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProductImageURL returns a shareable image link for a part.
func (c *Client) ProductImageURL(ctx context.Context, sku string) (string, error) {
	key := "img:" + sku
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := c.get(ctx, "/v1/parts/"+sku+"/image", &result); err != nil {
		return "", err
	}
	c.cache.Set(key, result.URL, cache.DefaultExpiration)
	return result.URL, nil
}

// FlushExpired drops expired cache entries; used by the reaper.
func (c *Client) FlushExpired() int {
	before := c.cache.ItemCount()
	c.cache.DeleteExpired()
	return before - c.cache.ItemCount()
}
