package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/notify"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// Notification channels. ChannelAll broadcasts over every available
// provider.
const (
	ChannelSMS     = "sms"
	ChannelApprise = "apprise"
	ChannelAll     = "all"
)

// NotifyPayload is the input of send_notification.
type NotifyPayload struct {
	GrievanceID   string `json:"grievance_id"`
	ComplainantID string `json:"complainant_id"`
	SessionID     string `json:"session_id"`
	Channel       string `json:"channel"`
	Phone         string `json:"phone,omitempty"`
	Title         string `json:"title,omitempty"`
	Body          string `json:"body"`
}

// sendNotification delivers one outbound message over the requested
// channel. Transport errors propagate so the messaging retry policy
// applies.
func sendNotification(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p NotifyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("notification payload is malformed: %v", err)
		}
		if p.Body == "" {
			return nil, errs.NewInputError("notification payload has no body")
		}
		if p.Channel == "" {
			p.Channel = ChannelSMS
		}

		if p.Channel == ChannelAll {
			return d.broadcastNotification(ctx, tc, &p)
		}

		provider, ok := d.Providers[p.Channel]
		if !ok {
			return nil, errs.NewInputError("unknown notification channel %q", p.Channel)
		}
		if !provider.Available() {
			return nil, fmt.Errorf("notification channel %q unavailable: %w", p.Channel, errs.ErrConnection)
		}

		if err := provider.Send(ctx, d.messageFor(p.Channel, &p)); err != nil {
			return nil, err
		}

		return notificationResult(tc, &p, []string{p.Channel}), nil
	}
}

// broadcastNotification sends over every available provider in parallel.
// One failed channel fails the whole task, so the messaging retry policy
// re-runs the broadcast; idempotent gateways tolerate the duplicate.
func (d Deps) broadcastNotification(ctx context.Context, tc *registry.Context, p *NotifyPayload) (*v1.TaskResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var sent []string
	for name, provider := range d.Providers {
		if !provider.Available() {
			continue
		}
		g.Go(func() error {
			if err := provider.Send(gctx, d.messageFor(name, p)); err != nil {
				return fmt.Errorf("channel %s: %w", name, err)
			}
			mu.Lock()
			sent = append(sent, name)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(sent) == 0 {
		return nil, fmt.Errorf("no notification channel available: %w", errs.ErrConnection)
	}
	sort.Strings(sent)
	return notificationResult(tc, p, sent), nil
}

func (d Deps) messageFor(channel string, p *NotifyPayload) notify.Message {
	msg := notify.Message{
		GrievanceID: p.GrievanceID,
		Phone:       p.Phone,
		Title:       p.Title,
		Body:        p.Body,
	}
	if channel == ChannelApprise && d.Config.Notify.AppriseURLs != "" {
		msg.Config = map[string]interface{}{
			"urls": strings.Split(d.Config.Notify.AppriseURLs, ","),
		}
	}
	return msg
}

func notificationResult(tc *registry.Context, p *NotifyPayload, channels []string) *v1.TaskResult {
	return &v1.TaskResult{
		Status:        v1.StatusSuccess,
		Operation:     v1.OpNotification,
		TaskID:        tc.TaskID,
		GrievanceID:   p.GrievanceID,
		ComplainantID: p.ComplainantID,
		SessionID:     p.SessionID,
		Values: map[string]interface{}{
			"channels": channels,
		},
	}
}
