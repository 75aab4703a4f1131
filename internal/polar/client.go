// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/progate/pkg/redact"
)

var (
	ErrNoOrganizationID        = errors.New("organization ID not configured")
	ErrInvalidLicenseKey       = errors.New("license key is not valid")
	ErrConditionMismatch       = errors.New("license key does not match required conditions")
	ErrActivationLimitExceeded = errors.New("license key activation limit already reached")
	ErrBadRequestData          = errors.New("bad request data")
	ErrCouldNotUnmarshalData   = errors.New("could not unmarshal data")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrDataValidationError     = errors.New("data validation error")
	ErrServerError             = errors.New("licensing server error")
	ErrCheckoutNotFound        = errors.New("checkout not found")
)

const (
	polarAPIBaseURL        = "https://api.polar.sh"
	polarSandboxAPIBaseURL = "https://sandbox-api.polar.sh"

	validateEndpoint   = "/v1/customer-portal/license-keys/validate"
	activateEndpoint   = "/v1/customer-portal/license-keys/activate"
	deactivateEndpoint = "/v1/customer-portal/license-keys/deactivate"
	checkoutEndpoint   = "/v1/checkouts/client/"

	requestTimeout = 30 * time.Second

	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second

	activationLimitDetail   = "License key activation limit already reached"
	conditionMismatchDetail = "License key does not match required conditions"
)

// LicenseKey is the license key object embedded in validate and activate responses.
type LicenseKey struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organization_id"`
	CustomerID       string     `json:"customer_id"`
	BenefitID        string     `json:"benefit_id"`
	Key              string     `json:"key"`
	DisplayKey       string     `json:"display_key"`
	Status           string     `json:"status"`
	LimitActivations int        `json:"limit_activations"`
	Usage            int        `json:"usage"`
	LimitUsage       int        `json:"limit_usage"`
	Validations      int        `json:"validations"`
	LastValidatedAt  *time.Time `json:"last_validated_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

type Activation struct {
	ID           string         `json:"id"`
	LicenseKeyID string         `json:"license_key_id"`
	Label        string         `json:"label"`
	Meta         map[string]any `json:"meta"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ValidateResp is the validate endpoint response.
type ValidateResp struct {
	LicenseKey
	Activation *Activation `json:"activation"`
}

const (
	StatusGranted  = "granted"
	StatusRevoked  = "revoked"
	StatusDisabled = "disabled"
)

func (v *ValidateResp) ValidLicense() bool {
	return v.Status == StatusGranted
}

// ActivateKeyResponse is the activate endpoint response.
type ActivateKeyResponse struct {
	Activation
	LicenseKey LicenseKey `json:"license_key"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Client wraps the Polar customer portal API.
type Client struct {
	baseURL        string
	environment    string
	organizationID string
	userAgent      string

	retryAttempts uint
	retryDelay    time.Duration

	httpClient *http.Client
}

type OptFunc func(*Client)

func WithOrganizationID(organizationID string) OptFunc {
	return func(c *Client) {
		c.organizationID = organizationID
	}
}

// WithEnvironment selects the API host. Valid values are "production" and "sandbox".
func WithEnvironment(env string) OptFunc {
	return func(c *Client) {
		switch env {
		case "production":
			c.baseURL = polarAPIBaseURL
			c.environment = env
		case "sandbox":
			c.baseURL = polarSandboxAPIBaseURL
			c.environment = env
		}
	}
}

// WithBaseURL overrides the API host set by WithEnvironment. Empty keeps it.
func WithBaseURL(baseURL string) OptFunc {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
			c.environment = "custom"
		}
	}
}

func WithUserAgent(userAgent string) OptFunc {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

func WithHTTPClient(httpClient *http.Client) OptFunc {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetry configures retries for idempotent calls. attempts includes the first call.
func WithRetry(attempts uint, delay time.Duration) OptFunc {
	return func(c *Client) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

func NewClient(opts ...OptFunc) *Client {
	c := &Client{
		baseURL:       polarAPIBaseURL,
		environment:   "production",
		userAgent:     "polar-go",
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,

		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// IsClientConfigured checks if the client has an organization to talk to.
func (c *Client) IsClientConfigured() bool {
	return c.organizationID != ""
}

func (c *Client) Environment() string {
	return c.environment
}

type ActivateRequest struct {
	Key            string         `json:"key"`
	Label          string         `json:"label"`
	OrganizationID string         `json:"organization_id"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func (r *ActivateRequest) Validate() []error {
	var err []error
	if r.Key == "" {
		err = append(err, errors.New("key is required"))
	}
	if r.Label == "" {
		err = append(err, errors.New("label is required"))
	}
	if r.OrganizationID == "" {
		err = append(err, ErrNoOrganizationID)
	}
	return err
}

func (r *ActivateRequest) SetMeta(k string, v any) {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[k] = v
}

func (r *ActivateRequest) SetCondition(k string, v any) {
	if r.Conditions == nil {
		r.Conditions = make(map[string]any)
	}
	r.Conditions[k] = v
}

// Activate binds a license key to this installation. It is not retried since
// every successful call consumes an activation slot.
func (c *Client) Activate(ctx context.Context, activateReq ActivateRequest) (*ActivateKeyResponse, error) {
	if activateReq.OrganizationID == "" {
		activateReq.OrganizationID = c.organizationID
	}

	if err := activateReq.Validate(); len(err) > 0 {
		return nil, errors.Wrap(ErrBadRequestData, fmt.Sprintf("invalid request: %v", err))
	}

	var response ActivateKeyResponse
	if err := c.do(ctx, http.MethodPost, activateEndpoint, activateReq, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

type ValidateRequest struct {
	Key            string         `json:"key"`
	ActivationID   string         `json:"activation_id,omitempty"`
	OrganizationID string         `json:"organization_id"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	IncrementUsage int            `json:"increment_usage,omitempty"`
}

func (r *ValidateRequest) SetCondition(k string, v any) {
	if r.Conditions == nil {
		r.Conditions = make(map[string]any)
	}
	r.Conditions[k] = v
}

func (r *ValidateRequest) Validate() []error {
	var err []error
	if r.Key == "" {
		err = append(err, errors.New("key is required"))
	}
	if r.OrganizationID == "" {
		err = append(err, ErrNoOrganizationID)
	}
	return err
}

// Validate checks a license key and optional activation. Transport errors,
// rate limiting and server errors are retried.
func (c *Client) Validate(ctx context.Context, validateReq ValidateRequest) (*ValidateResp, error) {
	if validateReq.OrganizationID == "" {
		validateReq.OrganizationID = c.organizationID
	}

	if err := validateReq.Validate(); len(err) > 0 {
		return nil, errors.Wrap(ErrBadRequestData, fmt.Sprintf("invalid request: %v", err))
	}

	var response ValidateResp
	if err := c.doWithRetry(ctx, http.MethodPost, validateEndpoint, validateReq, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

type DeactivateRequest struct {
	Key            string `json:"key"`
	OrganizationID string `json:"organization_id"`
	ActivationID   string `json:"activation_id"`
}

// Deactivate releases an activation slot.
func (c *Client) Deactivate(ctx context.Context, deactivateReq DeactivateRequest) error {
	if deactivateReq.OrganizationID == "" {
		deactivateReq.OrganizationID = c.organizationID
	}

	switch {
	case deactivateReq.OrganizationID == "":
		return errors.Wrap(ErrBadRequestData, ErrNoOrganizationID.Error())
	case deactivateReq.Key == "" || deactivateReq.ActivationID == "":
		return errors.Wrap(ErrBadRequestData, "key and activation_id are required")
	}

	return c.doWithRetry(ctx, http.MethodPost, deactivateEndpoint, deactivateReq, nil)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(func() error {
		err := c.do(ctx, method, path, body, out)
		if err == nil || (ctx.Err() == nil && retryable(err)) {
			return err
		}
		return retry.Unrecoverable(err)
	},
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.MaxJitter(c.retryDelay/2),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("path", path).Msg("Retrying licensing request")
		}),
	)
}

// retryable reports whether a failed call may succeed when repeated.
func retryable(err error) bool {
	return IsTransportError(err) || errors.Is(err, ErrServerError) || errors.Is(err, ErrRateLimitExceeded)
}

// transportError marks failures where no HTTP response was received.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsTransportError reports whether err means the server could not be reached.
func IsTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return ErrBadRequestData
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: redact.Error(err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return ErrCouldNotUnmarshalData
	}

	return nil
}

func checkStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil

	case status == http.StatusForbidden:
		var response ErrorResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return ErrCouldNotUnmarshalData
		}
		if response.Detail == activationLimitDetail {
			return ErrActivationLimitExceeded
		}
		return errors.Wrapf(errors.New(response.Detail), "%s", response.Error)

	case status == http.StatusNotFound:
		var response ErrorResponse
		if err := json.Unmarshal(body, &response); err == nil && response.Detail == conditionMismatchDetail {
			return ErrConditionMismatch
		}
		return ErrInvalidLicenseKey

	case status == http.StatusUnprocessableEntity:
		return errors.Wrap(ErrDataValidationError, redact.String(string(body)))

	case status == http.StatusTooManyRequests:
		return ErrRateLimitExceeded

	case status >= 500:
		return errors.Wrapf(ErrServerError, "status %d", status)

	default:
		return fmt.Errorf("unexpected status code: %d", status)
	}
}

// CheckoutStatus values reported by the checkout API.
const (
	CheckoutStatusOpen      = "open"
	CheckoutStatusExpired   = "expired"
	CheckoutStatusConfirmed = "confirmed"
	CheckoutStatusSucceeded = "succeeded"
	CheckoutStatusFailed    = "failed"
)

type CheckoutRequest struct {
	ProductID     string         `json:"product_id"`
	CustomerEmail string         `json:"customer_email,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Checkout struct {
	ID           string     `json:"id"`
	ClientSecret string     `json:"client_secret"`
	URL          string     `json:"url"`
	Status       string     `json:"status"`
	ProductID    string     `json:"product_id"`
	Amount       int        `json:"amount"`
	Currency     string     `json:"currency"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// Done reports whether the checkout reached a final status.
func (c *Checkout) Done() bool {
	switch c.Status {
	case CheckoutStatusExpired, CheckoutStatusSucceeded, CheckoutStatusFailed:
		return true
	}
	return false
}

// CreateCheckout opens a checkout session for a product.
func (c *Client) CreateCheckout(ctx context.Context, checkoutReq CheckoutRequest) (*Checkout, error) {
	if checkoutReq.ProductID == "" {
		return nil, errors.Wrap(ErrBadRequestData, "product_id is required")
	}

	var checkout Checkout
	if err := c.do(ctx, http.MethodPost, checkoutEndpoint, checkoutReq, &checkout); err != nil {
		return nil, err
	}

	return &checkout, nil
}

// GetCheckout fetches a checkout session by its client secret.
func (c *Client) GetCheckout(ctx context.Context, clientSecret string) (*Checkout, error) {
	if clientSecret == "" {
		return nil, errors.Wrap(ErrBadRequestData, "client secret is required")
	}

	var checkout Checkout
	err := c.doWithRetry(ctx, http.MethodGet, checkoutEndpoint+url.PathEscape(clientSecret), nil, &checkout)
	if errors.Is(err, ErrInvalidLicenseKey) {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, err
	}

	return &checkout, nil
}
