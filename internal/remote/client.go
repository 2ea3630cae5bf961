// Package remote is the HTTP client for the remote field-ops API: the
// idempotent mutation endpoint, the photo endpoints and a health probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// DefaultTimeout bounds every request so a hung call cannot stall a pass.
const DefaultTimeout = 30 * time.Second

// SyncRequest is the body of POST {base}/sync.
type SyncRequest struct {
	ID      string              `json:"id"`
	Type    models.MutationType `json:"type"`
	Payload json.RawMessage     `json:"payload"`
}

// ConflictCode is the error code a 409 reply carries for a conflict.
const ConflictCode = "CONFLICT"

// SyncResponse is a successful or conflicting reply. A 409 reply with code
// CONFLICT is folded into Conflict=true.
type SyncResponse struct {
	Conflict   bool            `json:"conflict,omitempty"`
	Code       string          `json:"code,omitempty"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	newID      uuid.Generator
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithIDGenerator sets the chunked upload id generator.
func WithIDGenerator(g uuid.Generator) Option {
	return func(c *Client) { c.newID = g }
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for baseURL, e.g. https://api.example.com/api.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		newID: uuid.New,
		log:   logging.Get().Named("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send delivers one mutation. Network failures and unexpected statuses are
// returned as NETWORK_ERROR; conflicts are not errors.
func (c *Client) Send(ctx context.Context, r SyncRequest) (SyncResponse, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return SyncResponse{}, apperrors.Wrap(apperrors.ErrInvalid, "encode sync request", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/sync", bytes.NewReader(body))
	if err != nil {
		return SyncResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SyncResponse{}, apperrors.Wrap(apperrors.ErrNetwork, "sync request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SyncResponse{}, apperrors.Wrap(apperrors.ErrNetwork, "read sync response", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		var out SyncResponse
		if err := json.Unmarshal(data, &out); err == nil && out.Code == ConflictCode {
			out.Conflict = true
			return out, nil
		}
		c.log.Warn("409 without a conflict code, treating as failure", map[string]interface{}{
			"id":   r.ID,
			"code": out.Code,
		})
		return SyncResponse{}, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("sync %s", r.ID),
			&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)})

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out SyncResponse
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &out); err != nil {
				return SyncResponse{}, apperrors.Wrap(apperrors.ErrNetwork, "decode sync response", err)
			}
		}
		return out, nil

	default:
		return SyncResponse{}, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("sync %s", r.ID),
			&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)})
	}
}

// Health probes GET {base}/health.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "health probe failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Wrap(apperrors.ErrNetwork, "health probe", &StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
