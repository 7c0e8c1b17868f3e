package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gunaso/gunaso/internal/common/errs"
)

// SMSProvider posts messages to an HTTP SMS gateway. Delivery failures
// are mapped onto retryable error kinds so the messaging retry policy
// applies.
type SMSProvider struct {
	webhookURL string
	http       *http.Client
}

func NewSMSProvider(webhookURL string) *SMSProvider {
	return &SMSProvider{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *SMSProvider) Available() bool {
	return p.webhookURL != ""
}

func (p *SMSProvider) Validate(config map[string]interface{}) error {
	if p.webhookURL == "" {
		return fmt.Errorf("sms webhook url not configured")
	}
	return nil
}

func (p *SMSProvider) Send(ctx context.Context, message Message) error {
	if !p.Available() {
		return fmt.Errorf("sms webhook url not configured")
	}
	if message.Phone == "" {
		return errs.NewInputError("sms message has no recipient phone")
	}

	body, err := json.Marshal(map[string]string{
		"to":           message.Phone,
		"text":         message.Body,
		"grievance_id": message.GrievanceID,
	})
	if err != nil {
		return fmt.Errorf("marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("sms gateway timed out: %w", errs.ErrTimeout)
		}
		return fmt.Errorf("sms gateway unreachable: %w", errs.ErrConnection)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sms gateway throttled: %w", errs.ErrRateLimit)
	case resp.StatusCode >= 500:
		return fmt.Errorf("sms gateway returned %d: %w", resp.StatusCode, errs.ErrConnection)
	case resp.StatusCode >= 400:
		return errs.NewInputError("sms gateway rejected request (%d)", resp.StatusCode)
	}
	return nil
}
