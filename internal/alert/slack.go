package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackConfig configures the Slack notifier. Username and IconEmoji give
// alerts a distinct bot identity in the channel.
type SlackConfig struct {
	BotToken  string `json:"bot_token"`
	Channel   string `json:"channel"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// SlackNotifier posts alerts to one Slack channel through the Web API.
type SlackNotifier struct {
	cfg    SlackConfig
	client *slack.Client
	logger *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. Extra options are passed to the
// Slack client, e.g. slack.OptionAPIURL.
func NewSlackNotifier(cfg SlackConfig, logger *zap.Logger, opts ...slack.Option) (*SlackNotifier, error) {
	if cfg.BotToken == "" || cfg.Channel == "" {
		return nil, fmt.Errorf("slack notifier needs bot_token and channel")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackNotifier{
		cfg:    cfg,
		client: slack.New(cfg.BotToken, opts...),
		logger: logger.With(zap.String("component", "alerts.slack")),
	}, nil
}

func (n *SlackNotifier) Name() string { return "slack" }

// Notify posts the alert as a colored attachment.
func (n *SlackNotifier) Notify(ctx context.Context, a *Alert) error {
	att := slack.Attachment{
		Color:  fmt.Sprintf("#%06X", a.Severity.color()),
		Title:  a.Title,
		Text:   a.Text,
		Footer: footer(a),
		Ts:     stringTs(a),
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(fmt.Sprintf("[%s] %s", a.Severity, a.Title), false),
		slack.MsgOptionAttachments(att),
	}
	if n.cfg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(n.cfg.Username))
	}
	if n.cfg.IconEmoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(n.cfg.IconEmoji))
	}

	if _, _, err := n.client.PostMessageContext(ctx, n.cfg.Channel, opts...); err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Debug("alert posted", zap.String("channel", n.cfg.Channel), zap.String("title", a.Title))
	return nil
}

func (n *SlackNotifier) Close() error { return nil }

func footer(a *Alert) string {
	s := string(a.Kind)
	if a.AgentID != "" {
		s += " | agent " + a.AgentID
	}
	if a.ProjectID != "" {
		s += " | project " + a.ProjectID
	}
	return s
}

func stringTs(a *Alert) json.Number {
	if a.At.IsZero() {
		return ""
	}
	return json.Number(strconv.FormatInt(a.At.Unix(), 10))
}
