package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts orchestration events to one Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a notifier from a bot token (xoxb-...) and channel id.
func NewSlack(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(ev.summary(), false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color: colorFor(ev.Type),
			Fields: []slack.AttachmentField{
				{Title: "Subject", Value: ev.Subject, Short: true},
				{Title: "Agent", Value: ev.Agent, Short: true},
				{Title: "Attempt", Value: fmt.Sprint(ev.Attempt), Short: true},
				{Title: "Duration", Value: ev.Duration.String(), Short: true},
			},
		}))
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

func colorFor(t EventType) string {
	switch t {
	case EventTaskFailed, EventWorkflowFailed, EventAgentUnavailable:
		return "danger"
	case EventTaskCancelled:
		return "warning"
	default:
		return "good"
	}
}
