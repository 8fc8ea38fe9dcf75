// Package facilitator is the HTTP transport to an x402 facilitator
// service: the external collaborator that verifies a signed payment
// authorization and settles the underlying on-chain transfer.
//
// The client is deliberately policy-free. It performs single attempts and
// classifies failures (transient vs. fatal) for package retry; the
// orchestrator owns the retry schedule and the nonce lifecycle.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	payguard "github.com/x402-labs/payguard"
	"github.com/x402-labs/payguard/retry"
)

// DefaultURL is the default public facilitator.
const DefaultURL = "https://x402.org/facilitator"

// DefaultTimeout bounds a single facilitator request.
const DefaultTimeout = 30 * time.Second

// Request headers set on outbound calls.
const (
	headerContentType    = "Content-Type"
	headerRequestID      = "X-Request-Id"
	headerIdempotencyKey = "Idempotency-Key"

	mimeApplicationJSON = "application/json"
)

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers per facilitator endpoint.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// Config configures the facilitator client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional).
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration
}

// Client communicates with a remote facilitator service over HTTP.
type Client struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider

	health healthCache
}

// NewClient creates a new facilitator client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	url := config.URL
	if url == "" {
		url = DefaultURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

var _ payguard.Facilitator = (*Client)(nil)

// wireRequest is the body for both /verify and /settle.
type wireRequest struct {
	X402Version         int                          `json:"x402Version"`
	PaymentPayload      *payguard.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements payguard.PaymentRequirements `json:"paymentRequirements"`
}

// Verify checks a payment authorization against the requirements.
func (c *Client) Verify(ctx context.Context, payload *payguard.PaymentPayload, requirements payguard.PaymentRequirements) (*payguard.VerifyResponse, error) {
	body, err := c.post(ctx, "/verify", payload, requirements, "", c.verifyAuthHeaders)
	if err != nil {
		return nil, err
	}

	if err := validateVerifyResponse(body); err != nil {
		return nil, err
	}

	var verifyResp payguard.VerifyResponse
	if err := json.Unmarshal(body, &verifyResp); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return &verifyResp, nil
}

// Settle executes a verified payment. The idempotency key, derived from
// the authorization nonce, makes retried settle calls safe: the
// facilitator returns the original settlement for a repeated key instead
// of double-charging.
func (c *Client) Settle(ctx context.Context, payload *payguard.PaymentPayload, requirements payguard.PaymentRequirements, idempotencyKey string) (*payguard.SettleResponse, error) {
	body, err := c.post(ctx, "/settle", payload, requirements, idempotencyKey, c.settleAuthHeaders)
	if err != nil {
		return nil, err
	}

	if err := validateSettleResponse(body); err != nil {
		return nil, err
	}

	var settleResp payguard.SettleResponse
	if err := json.Unmarshal(body, &settleResp); err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}
	return &settleResp, nil
}

// Supported retrieves the payment kinds the facilitator supports.
func (c *Client) Supported(ctx context.Context) (*payguard.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range authHeaders.Supported {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("supported request failed: %w", err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read supported response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, "supported", responseBody); err != nil {
		return nil, err
	}

	var supportedResp payguard.SupportedResponse
	if err := json.Unmarshal(responseBody, &supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supportedResp, nil
}

// post performs one JSON POST and returns the raw 200 body. Failures are
// classified for the retry layer: connection errors, 5xx, and 429 are
// transient; any other 4xx is fatal.
func (c *Client) post(
	ctx context.Context,
	path string,
	payload *payguard.PaymentPayload,
	requirements payguard.PaymentRequirements,
	idempotencyKey string,
	authHeaders func(ctx context.Context) (map[string]string, error),
) ([]byte, error) {
	reqBody := wireRequest{
		X402Version:         payguard.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	req.Header.Set(headerRequestID, uuid.NewString())
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	if authHeaders != nil {
		headers, err := authHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("facilitator %s request failed: %w", path, err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read %s response: %w", path, err))
	}

	if err := classifyStatus(resp.StatusCode, path, responseBody); err != nil {
		return nil, err
	}

	return responseBody, nil
}

// classifyStatus maps a non-200 status to a transient or fatal error.
func classifyStatus(status int, path string, body []byte) error {
	if status == http.StatusOK {
		return nil
	}

	err := fmt.Errorf("facilitator %s failed (%d): %s", path, status, string(body))
	if status >= 500 || status == http.StatusTooManyRequests {
		return retry.Transient(err)
	}
	return err
}

func (c *Client) verifyAuthHeaders(ctx context.Context) (map[string]string, error) {
	if c.authProvider == nil {
		return nil, nil
	}
	headers, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return headers.Verify, nil
}

func (c *Client) settleAuthHeaders(ctx context.Context) (map[string]string, error) {
	if c.authProvider == nil {
		return nil, nil
	}
	headers, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return headers.Settle, nil
}
