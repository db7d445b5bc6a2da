// Package tripo wraps the Tripo-style generation API: task submission, task
// polling, result download and account balance. It is the only package aware
// of the provider's wire format.
package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("tripo: api key is required")

const defaultBaseURL = "https://api.tripo3d.ai/v2/openapi"

// TaskState is the provider-side lifecycle of a generation task.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
)

// TaskStatus is the normalized result of one status poll.
type TaskStatus struct {
	State       TaskState
	Percent     int
	ResultURL   string
	Reason      string
	CreditsUsed int64
}

// AccountBalance mirrors the provider's dual-wallet accounting.
type AccountBalance struct {
	Paid        int64
	Promotional int64
}

// Options configures the Tripo client.
type Options struct {
	APIKey         string
	BaseURL        string
	ModelVersion   string
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	FetchTimeout   time.Duration
}

// Client performs HTTP calls against the Tripo OpenAPI endpoints.
type Client struct {
	apiKey       string
	baseURL      string
	modelVersion string
	httpClient   *http.Client
	fetchClient  *http.Client
	logger       zerolog.Logger
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	fetchClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		// Model downloads can take far longer than API calls, so they get
		// their own client with a wider deadline.
		fetchTimeout := opts.FetchTimeout
		if fetchTimeout <= 0 {
			fetchTimeout = 120 * time.Second
		}
		fetchClient = &http.Client{Timeout: fetchTimeout}
	}
	return &Client{
		apiKey:       opts.APIKey,
		baseURL:      baseURL,
		modelVersion: opts.ModelVersion,
		httpClient:   httpClient,
		fetchClient:  fetchClient,
		logger:       opts.Logger,
	}, nil
}

type taskRequest struct {
	Type         string            `json:"type"`
	Prompt       string            `json:"prompt"`
	Format       string            `json:"format,omitempty"`
	Quality      string            `json:"quality,omitempty"`
	ModelVersion string            `json:"model_version,omitempty"`
	Style        map[string]string `json:"style,omitempty"`
}

type taskEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID      string `json:"task_id"`
		Status      string `json:"status"`
		Progress    int    `json:"progress"`
		CreditsUsed int64  `json:"credits_used"`
		Output      struct {
			Model string `json:"model"`
		} `json:"output"`
	} `json:"data"`
}

type balanceEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		APIWallet struct {
			Balance int64 `json:"balance"`
		} `json:"api_wallet"`
		FreeWallet struct {
			Balance int64 `json:"balance"`
		} `json:"free_wallet"`
	} `json:"data"`
}

// Submit creates a text-to-model task and returns the provider task id.
func (c *Client) Submit(ctx context.Context, prompt string, format domain.Format, quality domain.Quality, style map[string]string) (string, error) {
	body := taskRequest{
		Type:         "text_to_model",
		Prompt:       prompt,
		Format:       string(format),
		Quality:      string(quality),
		ModelVersion: c.modelVersion,
		Style:        style,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("tripo: encode request: %w", err)
	}

	var env taskEnvelope
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/task", bytes.NewReader(payload), &env); err != nil {
		return "", err
	}
	if env.Data.TaskID == "" {
		return "", fmt.Errorf("%w: submit returned no task id", domain.ErrProviderUnavailable)
	}
	c.logger.Debug().Str("task_id", env.Data.TaskID).Msg("tripo: task created")
	return env.Data.TaskID, nil
}

// Status polls one task.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var env taskEnvelope
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/task/"+taskID, nil, &env); err != nil {
		return TaskStatus{}, err
	}

	status := TaskStatus{
		Percent:     env.Data.Progress,
		CreditsUsed: env.Data.CreditsUsed,
	}
	switch env.Data.Status {
	case "queued", "pending":
		status.State = StateQueued
	case "running":
		status.State = StateRunning
	case "success", "completed":
		status.State = StateSucceeded
		status.Percent = 100
		status.ResultURL = env.Data.Output.Model
	case "failed", "cancelled", "banned", "expired":
		status.State = StateFailed
		status.Reason = env.Message
		if status.Reason == "" {
			status.Reason = env.Data.Status
		}
	default:
		// Unknown states are treated as still in flight.
		status.State = StateRunning
	}
	return status, nil
}

// Fetch streams the completed model from the result URL. Result URLs are
// pre-signed by the provider and need no auth header.
func (c *Client) Fetch(ctx context.Context, resultURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tripo: build fetch request: %w", err)
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: fetch returned status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	return resp.Body, nil
}

// Cancel signals the provider to stop a task. Callers treat failures as
// best-effort.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/task/"+taskID, nil, &taskEnvelope{})
}

// Balance returns the provider's authoritative wallet balances. The api
// wallet maps to paid credits, the free wallet to promotional ones.
func (c *Client) Balance(ctx context.Context) (AccountBalance, error) {
	var env balanceEnvelope
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/balance", nil, &env); err != nil {
		return AccountBalance{}, err
	}
	return AccountBalance{
		Paid:        env.Data.APIWallet.Balance,
		Promotional: env.Data.FreeWallet.Balance,
	}, nil
}

type coded interface {
	apiCode() (int, string)
}

func (e *taskEnvelope) apiCode() (int, string)    { return e.Code, e.Message }
func (e *balanceEnvelope) apiCode() (int, string) { return e.Code, e.Message }

// do executes one API call and maps HTTP and envelope errors onto the domain
// taxonomy: 401/403 become auth errors, 429/5xx and transport failures are
// transient, everything else is a permanent rejection with the provider's
// message kept verbatim.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out coded) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("tripo: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrProviderAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return &domain.ProviderRejectedError{Reason: rejectionReason(raw, resp.StatusCode)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProviderUnavailable, err)
	}
	if code, msg := out.apiCode(); code != 0 {
		if msg == "" {
			msg = fmt.Sprintf("api code %d", code)
		}
		return &domain.ProviderRejectedError{Reason: msg}
	}
	return nil
}

func rejectionReason(raw []byte, statusCode int) string {
	var env struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return fmt.Sprintf("status %d", statusCode)
}
