package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts orchestration events to one Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscord creates a notifier from a bot token and channel id. The
// session is REST-only; no gateway connection is opened.
func NewDiscord(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

func (n *DiscordNotifier) Notify(_ context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       string(ev.Type),
		Description: ev.summary(),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Subject", Value: ev.Subject, Inline: true},
		},
	}
	if ev.Agent != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Agent", Value: ev.Agent, Inline: true,
		})
	}
	if ev.Attempt > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Attempt", Value: fmt.Sprint(ev.Attempt), Inline: true,
		})
	}
	if _, err := n.session.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	return nil
}
