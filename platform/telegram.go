package platform

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Telegram delivers notifications through the Telegram Bot API.
// A chat is both the destination and its own guild; publishing pins the message.
type Telegram struct {
	bot    *tgbot.Bot
	logger *slog.Logger
	selfID int64
}

// NewTelegram creates a Telegram platform for the bot identified by token.
func NewTelegram(ctx context.Context, token string, logger *slog.Logger, opts ...tgbot.Option) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}

	b, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bot identity: %w", err)
	}

	logger.Info("Telegram bot created", "bot_id", me.ID, "username", me.Username)
	return &Telegram{bot: b, logger: logger, selfID: me.ID}, nil
}

// Channel reports the bot's membership and rights in a chat.
func (t *Telegram) Channel(ctx context.Context, id string) (*Channel, error) {
	chatID, err := parseChatID(id)
	if err != nil {
		return nil, err
	}

	member, err := t.bot.GetChatMember(ctx, &tgbot.GetChatMemberParams{ChatID: chatID, UserID: t.selfID})
	if err != nil {
		if isGone(err) {
			return nil, ErrChannelGone
		}
		return nil, fmt.Errorf("get chat member %s: %w", id, err)
	}

	perms, ok := permissionsFor(member)
	if !ok {
		return nil, ErrChannelGone
	}
	return &Channel{ID: id, GuildID: id, Name: id, Perms: perms}, nil
}

// permissionsFor maps the bot's chat member record to capabilities.
// Returns false when the bot is no longer in the chat.
func permissionsFor(m *models.ChatMember) (Permissions, bool) {
	switch m.Type {
	case models.ChatMemberTypeOwner:
		return Permissions{CanPost: true, CanEmbed: true, CanAttachFiles: true, CanPublish: true}, true
	case models.ChatMemberTypeAdministrator:
		p := Permissions{CanPost: true, CanEmbed: true, CanAttachFiles: true}
		if a := m.Administrator; a != nil {
			// Pinning in channels is tied to the edit right.
			p.CanPublish = a.CanPinMessages || a.CanEditMessages
		}
		return p, true
	case models.ChatMemberTypeMember:
		return Permissions{CanPost: true, CanEmbed: true, CanAttachFiles: true}, true
	case models.ChatMemberTypeRestricted:
		canSend := m.Restricted != nil && m.Restricted.CanSendMessages
		return Permissions{CanPost: canSend, CanEmbed: canSend, CanAttachFiles: canSend}, true
	default:
		return Permissions{}, false
	}
}

// Send posts msg. Rich messages become a photo with an HTML caption.
func (t *Telegram) Send(ctx context.Context, channelID string, msg *Message) (string, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return "", err
	}

	var sent *models.Message
	if msg.Card != nil && msg.Card.Thumbnail != "" {
		sent, err = t.bot.SendPhoto(ctx, &tgbot.SendPhotoParams{
			ChatID:    chatID,
			Photo:     &models.InputFileString{Data: msg.Card.Thumbnail},
			Caption:   caption(msg),
			ParseMode: models.ParseModeHTML,
		})
	} else {
		text := msg.Content
		mode := models.ParseMode("")
		if msg.Card != nil {
			text = caption(msg)
			mode = models.ParseModeHTML
		}
		sent, err = t.bot.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: mode,
		})
	}
	if err != nil {
		if isGone(err) {
			return "", ErrChannelGone
		}
		if notDelivered(err) {
			return "", fmt.Errorf("send to %s: %w: %w", channelID, ErrNotDelivered, err)
		}
		return "", fmt.Errorf("send to %s: %w", channelID, err)
	}

	t.logger.Debug("Telegram message sent", "chat_id", channelID, "message_id", sent.ID)
	return strconv.Itoa(sent.ID), nil
}

// caption renders the content line followed by the card.
func caption(msg *Message) string {
	var b strings.Builder
	if msg.Content != "" {
		b.WriteString(html.EscapeString(msg.Content))
		b.WriteString("\n\n")
	}
	c := msg.Card
	fmt.Fprintf(&b, `<b><a href="%s">%s</a></b>`, html.EscapeString(c.URL), html.EscapeString(c.Title))
	if c.Author != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(c.Author))
	}
	if c.Description != "" {
		desc := c.Description
		// Photo captions are capped at 1024 characters.
		if r := []rune(desc); len(r) > 600 {
			desc = string(r[:600]) + "…"
		}
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(desc))
	}
	return b.String()
}

// Publish pins the message.
func (t *Telegram) Publish(ctx context.Context, channelID, messageID string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	if _, err := t.bot.PinChatMessage(ctx, &tgbot.PinChatMessageParams{
		ChatID:              chatID,
		MessageID:           msgID,
		DisableNotification: true,
	}); err != nil {
		return fmt.Errorf("pin message in %s: %w", channelID, err)
	}
	return nil
}

// GuildOwner returns the creator of the chat.
func (t *Telegram) GuildOwner(ctx context.Context, guild string) (string, error) {
	chatID, err := parseChatID(guild)
	if err != nil {
		return "", err
	}
	admins, err := t.bot.GetChatAdministrators(ctx, &tgbot.GetChatAdministratorsParams{ChatID: chatID})
	if err != nil {
		return "", fmt.Errorf("get chat administrators %s: %w", guild, err)
	}
	for _, m := range admins {
		if m.Type == models.ChatMemberTypeOwner && m.Owner != nil {
			return strconv.FormatInt(m.Owner.User.ID, 10), nil
		}
	}
	return "", fmt.Errorf("no owner visible in chat %s", guild)
}

// DirectMessage sends text to a user's private chat with the bot.
func (t *Telegram) DirectMessage(ctx context.Context, userID, text string) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	if _, err := t.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("direct message %s: %w", userID, err)
	}
	return nil
}

func parseChatID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", id, err)
	}
	return n, nil
}

// notDelivered reports whether a Bot API error happened before Telegram could accept the message:
// an explicit API rejection, a non-200 answer, or a failed dial. Timeouts and broken reads are ambiguous.
func notDelivered(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"error response from telegram", "unexpected response statusCode", "error build request form", "error create request"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isGone reports whether a Bot API error means the chat is unreachable for good.
func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"chat not found", "bot was kicked", "bot is not a member", "bot was blocked", "group chat was deleted", "forbidden"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
