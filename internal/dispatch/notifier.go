package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// suppressionSize bounds the domain/last-user-text LRU.
const suppressionSize = 1000

// slackPoster is the slice of the Slack client the notifier uses;
// tests substitute a fake.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Event is one notification-worthy request outcome.
type Event struct {
	Domain       string
	Model        string
	Status       string
	UserText     string
	ResponseText string
	Usage        models.Usage
	Err          error
}

// Notifier posts per-domain Slack notifications. A repeat of the same
// user text for a domain is suppressed; error events always go out.
type Notifier struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	recent  *infra.TTLCache[string, string]

	// newClient builds a poster from a bot token.
	newClient func(botToken string) slackPoster
}

// NewNotifier creates a notifier. metrics may be nil.
func NewNotifier(logger *slog.Logger, metrics *observability.Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:  logger,
		metrics: metrics,
		recent:  infra.NewTTLCache[string, string](infra.CacheConfig{MaxSize: suppressionSize}),
		newClient: func(botToken string) slackPoster {
			return slack.New(botToken)
		},
	}
}

// Notify sends the event to the domain's Slack channel when one is
// configured. Errors are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, cfg *models.SlackConfig, event Event) {
	if cfg == nil || cfg.BotToken == "" || cfg.Channel == "" {
		return
	}

	if event.Err == nil && event.UserText != "" {
		if last, ok := n.recent.Get(event.Domain); ok && last == event.UserText {
			n.record("suppressed")
			return
		}
	}
	if event.UserText != "" {
		n.recent.Set(event.Domain, event.UserText)
	}

	client := n.newClient(cfg.BotToken)
	_, _, err := client.PostMessageContext(ctx, cfg.Channel,
		slack.MsgOptionBlocks(buildBlocks(event)...),
		slack.MsgOptionText(fallbackText(event), false))
	if err != nil {
		n.record("error")
		n.logger.Error("slack notification failed",
			"domain", event.Domain, "channel", cfg.Channel, "error", err)
		return
	}
	n.record("sent")
}

func (n *Notifier) record(status string) {
	if n.metrics != nil {
		n.metrics.RecordNotification("slack", status)
	}
}

func buildBlocks(event Event) []slack.Block {
	header := fmt.Sprintf("*%s* | %s (%s)", event.Domain, event.Model, event.Status)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", header, false, false), nil, nil),
	}

	if event.Err != nil {
		detail := Mask(event.Err.Error())
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":warning: "+truncate(detail, 500), false, false), nil, nil))
	} else if event.ResponseText != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", truncate(Mask(event.ResponseText), 500), false, false), nil, nil))
	}

	usage := fmt.Sprintf("in %d / out %d tokens", event.Usage.InputTokens, event.Usage.OutputTokens)
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", usage, false, false)))
	return blocks
}

func fallbackText(event Event) string {
	return fmt.Sprintf("%s %s %s", event.Domain, event.Model, event.Status)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
