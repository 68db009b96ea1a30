package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/partstream/messaging-backend/pkg/logger"
)

// ErrSendUnavailable marks a transient outbound failure (timeout, 5xx).
var ErrSendUnavailable = errors.New("provider: send unavailable")

// SendError is a non-2xx response from the provider's send endpoint.
type SendError struct {
	Status  int
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *SendError) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}

// IsTransientSendError classifies an outbound send failure.
func IsTransientSendError(err error) bool {
	if errors.Is(err, ErrSendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient()
	}
	return false
}

// Config holds send-client settings.
type Config struct {
	SendURL     string
	APIKey      string
	Timeout     time.Duration
	VerifyToken string
}

// Client sends outbound messages through the provider.
type Client struct {
	http        *resty.Client
	verifyToken string
	log         *logger.Logger
}

// NewClient creates the provider client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.SendURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:        httpClient,
		verifyToken: cfg.VerifyToken,
		log:         log,
	}
}

// VerifyToken returns the configured handshake token.
func (c *Client) VerifyToken() string { return c.verifyToken }

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers one text message and returns the provider's message id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	var result sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendRequest{
			MessagingProduct: "whatsapp",
			To:               to,
			Type:             "text",
			Text:             sendText{Body: text},
		}).
		SetResult(&result).
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendUnavailable, err)
	}
	if resp.IsError() {
		return "", &SendError{Status: resp.StatusCode(), Message: string(resp.Body())}
	}

	if len(result.Messages) > 0 {
		return result.Messages[0].ID, nil
	}
	return "", nil
}

// SendImage shares a product image link. Best-effort: callers must not
// block or fail a purchase on its error.
func (c *Client) SendImage(ctx context.Context, to, imageURL string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"messaging_product": "whatsapp",
			"to":                to,
			"type":              "image",
			"image":             map[string]string{"link": imageURL},
		}).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendUnavailable, err)
	}
	if resp.IsError() {
		return &SendError{Status: resp.StatusCode(), Message: string(resp.Body())}
	}
	return nil
}
