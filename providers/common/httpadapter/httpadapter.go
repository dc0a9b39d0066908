package httpadapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tiger/voice-orchestrator/internal/runtime/provider/contracts"
)

type captureMode string

const (
	captureModeRedacted captureMode = "redacted"
	captureModeFull     captureMode = "full"
	captureModeHash     captureMode = "hash"

	envCaptureMode     = "VOX_PROVIDER_IO_CAPTURE_MODE"
	envCaptureMaxBytes = "VOX_PROVIDER_IO_CAPTURE_MAX_BYTES"

	defaultCaptureMode     = captureModeRedacted
	defaultCaptureMaxBytes = 8192
	minCaptureMaxBytes     = 256
)

// Config configures a JSON-over-HTTP provider client.
type Config struct {
	ProviderID    string
	Modality      contracts.Modality
	APIKey        string
	APIKeyHeader  string
	APIKeyPrefix  string
	StaticHeaders map[string]string
	// Timeout bounds connection setup and response headers. Streaming bodies
	// are bounded by the caller's context only.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client sends provider requests and turns failed responses into
// *contracts.ProviderError values with a normalized outcome.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a provider HTTP client.
func New(cfg Config) (*Client, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if err := cfg.Modality.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   cfg.Timeout,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   client,
		logger: logger.With(zap.String("component", "httpadapter"), zap.String("provider_id", cfg.ProviderID)),
	}, nil
}

// ProviderID returns provider identity.
func (c *Client) ProviderID() string {
	return c.cfg.ProviderID
}

// PostJSON sends body as JSON. On success the caller owns the response body.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", c.cfg.ProviderID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(req, payload)
}

// Do executes req. Transport failures and non-2xx responses are returned as
// *contracts.ProviderError; the failed response body is drained and closed.
func (c *Client) Do(req *http.Request, sentBody []byte) (*http.Response, error) {
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyPrefix+c.cfg.APIKey)
	}
	for key, value := range c.cfg.StaticHeaders {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.Error(NormalizeNetworkError(err), err)
	}
	outcome := NormalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class == contracts.OutcomeSuccess {
		return resp, nil
	}
	defer resp.Body.Close()

	maxBytes := resolveCaptureMaxBytes()
	sample, truncated, readErr := ReadBodySample(resp.Body, maxBytes)
	if readErr != nil {
		sample = []byte(fmt.Sprintf("response_read_error=%v", readErr))
	}
	captured, _ := CapturePayload(sample, truncated)
	input, _ := CapturePayload(sentBody, false)
	c.logger.Debug("provider request failed",
		zap.Int("status", resp.StatusCode),
		zap.String("outcome", string(outcome.Class)),
		zap.String("request", input),
		zap.String("response", captured),
	)
	return nil, c.Error(outcome, fmt.Errorf("http status %d: %s", resp.StatusCode, errorMessage(sample)))
}

// Error wraps err with the client's identity and outcome.
func (c *Client) Error(outcome contracts.Outcome, err error) *contracts.ProviderError {
	return contracts.NewProviderError(c.cfg.ProviderID, c.cfg.Modality, outcome, err)
}

// errorMessage pulls the vendor message out of the usual JSON error envelopes.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var text string
		if json.Unmarshal(envelope.Error, &text) == nil && text != "" {
			return text
		}
		if json.Unmarshal(envelope.Detail, &text) == nil && text != "" {
			return text
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if !utf8.ValidString(msg) {
		return "binary response"
	}
	return msg
}

// WithQuery appends or overrides a query key on an endpoint URL.
func WithQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NormalizeNetworkError maps transport-level errors to normalized outcomes.
func NormalizeNetworkError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.Outcome{Class: contracts.OutcomeCancelled, Reason: "provider_cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.Outcome{Class: contracts.OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
	}
	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

// NormalizeStatus maps HTTP status and retry-after headers to normalized outcomes.
func NormalizeStatus(status int, retryAfter string) contracts.Outcome {
	outcome := contracts.Outcome{OutputStatusCode: status}
	switch {
	case status >= 200 && status <= 299:
		outcome.Class = contracts.OutcomeSuccess
	case status == http.StatusTooManyRequests || status == 529:
		outcome.Class = contracts.OutcomeOverload
		outcome.Retryable = true
		outcome.Reason = "provider_overload"
		outcome.BackoffMS = retryAfterToMS(retryAfter)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		outcome.Class = contracts.OutcomeTimeout
		outcome.Retryable = true
		outcome.Reason = "provider_timeout"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_auth_or_policy_block"
	case status >= 400 && status <= 499:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_client_error"
	default:
		outcome.Class = contracts.OutcomeInfrastructureFailure
		outcome.Retryable = true
		outcome.Reason = "provider_server_error"
	}
	return outcome
}

func retryAfterToMS(retryAfter string) int64 {
	seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || seconds < 1 {
		return 500
	}
	return int64(seconds) * 1000
}

func resolveCaptureMode() captureMode {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(envCaptureMode)))
	switch captureMode(raw) {
	case captureModeFull, captureModeHash, captureModeRedacted:
		return captureMode(raw)
	default:
		return defaultCaptureMode
	}
}

func resolveCaptureMaxBytes() int {
	value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(envCaptureMaxBytes)))
	if err != nil || value < minCaptureMaxBytes {
		return defaultCaptureMaxBytes
	}
	return value
}

// CapturePayload renders payload bytes for logs using the VOX_PROVIDER_IO_CAPTURE_* settings.
func CapturePayload(raw []byte, preTruncated bool) (string, bool) {
	return capturePayload(raw, resolveCaptureMode(), resolveCaptureMaxBytes(), preTruncated)
}

// CapturePayloadWithMode renders payload bytes using an explicit mode and limit.
func CapturePayloadWithMode(raw []byte, mode string, maxBytes int, preTruncated bool) (string, bool) {
	normalized := captureMode(strings.ToLower(strings.TrimSpace(mode)))
	switch normalized {
	case captureModeFull, captureModeHash, captureModeRedacted:
	default:
		normalized = defaultCaptureMode
	}
	if maxBytes < minCaptureMaxBytes {
		maxBytes = defaultCaptureMaxBytes
	}
	return capturePayload(raw, normalized, maxBytes, preTruncated)
}

func capturePayload(raw []byte, mode captureMode, maxBytes int, preTruncated bool) (string, bool) {
	truncated := preTruncated
	sample := raw
	if len(sample) > maxBytes {
		sample = sample[:maxBytes]
		truncated = true
	}
	switch mode {
	case captureModeFull:
		if len(sample) == 0 {
			return "", truncated
		}
		if utf8.Valid(sample) {
			return string(sample), truncated
		}
		return "base64:" + base64.StdEncoding.EncodeToString(sample), truncated
	case captureModeHash:
		return fmt.Sprintf("sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	default:
		return fmt.Sprintf("redacted sha256=%s bytes=%d", hashBytes(sample), len(sample)), truncated
	}
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ReadBodySample reads at most maxBytes + 1 bytes and reports truncation.
func ReadBodySample(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes < 1 {
		maxBytes = defaultCaptureMaxBytes
	}
	payload, err := io.ReadAll(io.LimitReader(reader, int64(maxBytes+1)))
	if err != nil {
		return nil, false, err
	}
	if len(payload) > maxBytes {
		return payload[:maxBytes], true, nil
	}
	return payload, false, nil
}
