package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const appriseTimeout = 10 * time.Second

// AppriseProvider shells out to the apprise CLI, which fans the
// notification out to whatever targets its URLs encode (ntfy, Telegram,
// email gateways). Keeping the CLI boundary means new channels are a
// config change, not a code change.
type AppriseProvider struct{}

func NewAppriseProvider() *AppriseProvider {
	return &AppriseProvider{}
}

// Available reports whether the apprise binary is on PATH.
func (p *AppriseProvider) Available() bool {
	_, err := exec.LookPath("apprise")
	return err == nil
}

func (p *AppriseProvider) Validate(cfg map[string]interface{}) error {
	_, err := parseAppriseURLs(cfg)
	return err
}

func (p *AppriseProvider) Send(ctx context.Context, message Message) error {
	if !p.Available() {
		return fmt.Errorf("apprise not installed")
	}
	urls, err := parseAppriseURLs(message.Config)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("apprise urls not configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, appriseTimeout)
	defer cancel()
	args := append([]string{"-t", message.Title, "-b", message.Body}, urls...)
	output, err := exec.CommandContext(runCtx, "apprise", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("apprise failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// parseAppriseURLs extracts the target list from task config. Accepts a
// string slice, a JSON-decoded []interface{}, or one comma-separated
// string; blank entries are dropped.
func parseAppriseURLs(cfg map[string]interface{}) ([]string, error) {
	if cfg == nil {
		return nil, fmt.Errorf("apprise config missing")
	}
	raw, ok := cfg["urls"]
	if !ok {
		return nil, fmt.Errorf("apprise urls missing")
	}

	switch value := raw.(type) {
	case []string:
		return value, nil
	case []interface{}:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok {
				parts = append(parts, text)
			}
		}
		return trimURLs(parts), nil
	case string:
		return trimURLs(strings.Split(value, ",")), nil
	default:
		return nil, fmt.Errorf("apprise urls must be a list of strings")
	}
}

func trimURLs(parts []string) []string {
	var urls []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}
