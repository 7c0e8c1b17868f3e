package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
)

const processPath = "/v1/process"

// Client calls the model gateway over HTTP. Transport failures are
// mapped onto the named error kinds so the retry classifier can act on
// them.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates an HTTP model gateway client.
func NewClient(cfg config.LLMConfig, log *logger.Logger) *Client {
	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "llm")),
	}
}

// Process sends one invocation to the gateway.
func (c *Client) Process(ctx context.Context, in *Input) (*Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(in.Operation, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("LLM call completed",
		zap.String("operation", in.Operation),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("llm %s throttled: %w", in.Operation, errs.ErrRateLimit)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("llm %s returned %d: %w", in.Operation, resp.StatusCode, errs.ErrConnection)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.NewInputError("llm %s rejected request (%d): %s", in.Operation, resp.StatusCode, payload)
	}

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode llm %s response: %w", in.Operation, err)
	}
	return &out, nil
}

// classifyTransport maps client-side transport failures onto retryable
// kinds.
func classifyTransport(operation string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("llm %s timed out: %w", operation, errs.ErrTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("llm %s timed out: %w", operation, errs.ErrTimeout)
	}
	return fmt.Errorf("llm %s unreachable: %w", operation, errs.ErrConnection)
}
