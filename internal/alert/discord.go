package alert

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordConfig configures the Discord notifier. With WebhookURL set alerts
// go through the webhook and no bot token is needed; otherwise the bot posts
// to ChannelID.
type DiscordConfig struct {
	BotToken   string `json:"bot_token,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Username   string `json:"username,omitempty"`
}

// DiscordNotifier posts alerts as embeds over the Discord REST API. It never
// opens the gateway websocket.
type DiscordNotifier struct {
	cfg          DiscordConfig
	session      *discordgo.Session
	webhookID    string
	webhookToken string
	logger       *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(cfg DiscordConfig, logger *zap.Logger) (*DiscordNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &DiscordNotifier{cfg: cfg, logger: logger.With(zap.String("component", "alerts.discord"))}

	token := ""
	switch {
	case cfg.WebhookURL != "":
		id, tok, err := parseWebhookURL(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		n.webhookID, n.webhookToken = id, tok
	case cfg.BotToken != "" && cfg.ChannelID != "":
		token = "Bot " + cfg.BotToken
	default:
		return nil, fmt.Errorf("discord notifier needs webhook_url or bot_token and channel_id")
	}

	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	n.session = session
	return n, nil
}

// parseWebhookURL extracts id and token from
// https://discord.com/api/webhooks/{id}/{token}.
func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q has no /webhooks/{id}/{token}", raw)
}

func (n *DiscordNotifier) Name() string { return "discord" }

// Notify posts the alert as a single embed.
func (n *DiscordNotifier) Notify(ctx context.Context, a *Alert) error {
	embed := buildEmbed(a)
	if n.webhookID != "" {
		params := &discordgo.WebhookParams{
			Username: n.cfg.Username,
			Embeds:   []*discordgo.MessageEmbed{embed},
		}
		if _, err := n.session.WebhookExecute(n.webhookID, n.webhookToken, false, params, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord webhook execute: %w", err)
		}
		return nil
	}
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
	if _, err := n.session.ChannelMessageSendComplex(n.cfg.ChannelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func buildEmbed(a *Alert) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Description: a.Text,
		Color:       a.Severity.color(),
		Footer:      &discordgo.MessageEmbedFooter{Text: string(a.Kind)},
	}
	if !a.At.IsZero() {
		e.Timestamp = a.At.UTC().Format(time.RFC3339)
	}
	if a.AgentID != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Agent", Value: a.AgentID, Inline: true})
	}
	if a.ProjectID != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Project", Value: a.ProjectID, Inline: true})
	}
	return e
}

// Close releases the REST session.
func (n *DiscordNotifier) Close() error {
	if n.session != nil {
		return n.session.Close()
	}
	return nil
}
