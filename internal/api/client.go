package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// Sentinel errors for job-queue API failures
var (
	ErrAPIUnreachable     = errors.New("api unreachable")
	ErrAPIStatus          = errors.New("api error status")
	ErrUnexpectedResponse = errors.New("unexpected api response")
)

// HTTPError is returned for any non-200 response
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("error in api request for %s: %d %s: %s",
		e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *HTTPError) Unwrap() error {
	return ErrAPIStatus
}

// Client posts typed JSON requests to the job-queue API
type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *utils.LogsManager
	clock          utils.Clock
	maxAttempts    int
	initialBackoff time.Duration
}

// NewClient creates an API client. COMPUTE_CLIENT_API_URL overrides the configured api_url.
func NewClient(cm *utils.ConfigManager, logger *utils.LogsManager) *Client {
	baseURL := os.Getenv(types.EnvAPIURL)
	if baseURL == "" {
		baseURL = cm.GetConfigWithDefault("api_url", "https://dendro.vercel.app")
	}
	return NewClientWithBaseURL(baseURL, cm, logger)
}

// NewClientWithBaseURL creates an API client for an explicit base URL
func NewClientWithBaseURL(baseURL string, cm *utils.ConfigManager, logger *utils.LogsManager) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cm.GetConfigDuration("api_timeout", 60*time.Second),
		},
		logger:         logger,
		clock:          utils.NewRealClock(),
		maxAttempts:    cm.GetConfigInt("api_max_attempts", 4, 1, 20),
		initialBackoff: time.Second,
	}
}

// SetClock replaces the clock used for retry backoff
func (c *Client) SetClock(clock utils.Clock) {
	c.clock = clock
}

// BaseURL returns the API base URL, without trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post sends request to /api/<name> and decodes the response into out. Any transport error or
// non-200 status is retried with exponential backoff (1s, 2s, 4s, ...) up to maxAttempts; the last
// error is returned once attempts are exhausted. The response type must be "<name>Response".
func (c *Client) Post(ctx context.Context, name string, request interface{}, auth string, out interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, name)

	var body []byte
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		body, err = c.postOnce(ctx, url, payload, auth)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.maxAttempts-1 {
			c.logger.Error(fmt.Sprintf("API request %s failed after %d attempts: %v", name, c.maxAttempts, err), "api")
			return err
		}

		delay := c.initialBackoff * time.Duration(1<<uint(attempt))
		c.logger.Warn(fmt.Sprintf("Error in api request for %s; retrying in %v: %v", name, delay, err), "api")
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}
	if envelope.Type != name+"Response" {
		return fmt.Errorf("%w for %sRequest: type %q", ErrUnexpectedResponse, name, envelope.Type)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}
	return nil
}

func (c *Client) postOnce(ctx context.Context, url string, payload []byte, auth string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrAPIUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

// classifyError maps transport-level errors to sentinel errors
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrAPIUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrAPIUnreachable, err)
}
