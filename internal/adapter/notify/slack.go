// Package notify delivers batch notifications to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"signalflow/internal/domain"
)

// slackAPI is the slice of the Slack client the sink uses, extracted so tests
// can substitute a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackOption configures the Slack sink.
type SlackOption func(*SlackSink)

// WithSendRate overrides the outgoing message rate (messages per second).
func WithSendRate(perSecond float64) SlackOption {
	return func(s *SlackSink) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// withAPI substitutes the Slack client. Test hook.
func withAPI(api slackAPI) SlackOption {
	return func(s *SlackSink) { s.api = api }
}

// SlackSink implements domain.NotificationSink over the Slack Web API. Admin
// alerts become color-coded attachments; notices are plain messages. Sends
// are rate limited so a burst of flushed batches cannot trip Slack's limits.
type SlackSink struct {
	api       slackAPI
	channelID string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewSlackSink creates a sink posting to one channel.
func NewSlackSink(botToken, channelID string, logger *slog.Logger, opts ...SlackOption) *SlackSink {
	s := &SlackSink{
		api:       slack.New(botToken),
		channelID: channelID,
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		logger:    logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SendAdminAlert posts an attention-required alert and returns the message
// timestamp Slack assigned.
func (s *SlackSink) SendAdminAlert(ctx context.Context, alert domain.AdminAlert) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("slack rate limit wait: %w", err)
	}

	attachment := slack.Attachment{
		Color: urgencyColor(alert.Urgency),
		Title: alert.Topic,
		Text:  alert.Details,
		Fields: []slack.AttachmentField{
			{Title: "Project", Value: alert.ProjectID, Short: true},
			{Title: "Source", Value: alert.Source, Short: true},
			{Title: "Urgency", Value: alert.Urgency, Short: true},
			{Title: "Required action", Value: alert.RequiredAction},
		},
	}

	_, ts, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(":rotating_light: "+alert.Summary, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return "", fmt.Errorf("slack post alert: %w", err)
	}
	s.logger.Debug("admin alert sent", "channel", s.channelID, "ts", ts, "urgency", alert.Urgency)
	return ts, nil
}

// SendNotice posts an informational message and returns its timestamp.
func (s *SlackSink) SendNotice(ctx context.Context, notice domain.Notice) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("slack rate limit wait: %w", err)
	}

	text := notice.Message
	if notice.Source != "" {
		text = fmt.Sprintf("[%s] %s", notice.Source, text)
	}
	_, ts, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return "", fmt.Errorf("slack post notice: %w", err)
	}
	s.logger.Debug("notice sent", "channel", s.channelID, "ts", ts)
	return ts, nil
}

func urgencyColor(urgency string) string {
	switch urgency {
	case "critical":
		return "danger"
	case "high":
		return "warning"
	case "medium":
		return "#439FE0"
	default:
		return "good"
	}
}
