package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cartnet/compensation/utils/pkg/retry"
	"github.com/slack-go/slack"
)

type SlackConfig struct {
	WebhookURL string
	Channel    string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.WebhookURL == "" {
		return errors.New("slack webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = slackRetryable
	}
	return nil
}

func slackRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && r.Retryable() {
		return true
	}
	return retry.IsRetryable(err)
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{cfg: cfg}, nil
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Channel:     s.cfg.Channel,
		Text:        fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Attachments: []slack.Attachment{s.attachment(a)},
	}
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		return slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to post slack alert: %w", err)
	}
	return nil
}

func (s *Slack) attachment(a Alert) slack.Attachment {
	color := "warning"
	if a.Severity == SeverityCritical {
		color = "danger"
	}
	att := slack.Attachment{
		Color: color,
		Title: a.Title,
		Text:  a.Message,
	}
	for _, k := range a.sortedFieldKeys() {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: k, Value: a.Fields[k], Short: true})
	}
	if a.Err != nil {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "error", Value: a.Err.Error()})
	}
	return att
}
