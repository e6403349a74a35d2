// Package platform abstracts the chat host that notifications are delivered to.
package platform

import (
	"context"
	"errors"
	"time"

	"youtube-notifier/pkg/tracker"
)

var (
	// ErrChannelGone indicates the destination no longer exists or the bot was removed from it.
	ErrChannelGone = errors.New("channel no longer reachable")

	// ErrNotDelivered marks send failures where the host certainly did not accept the message.
	// Only these are retried; anything else may already have been posted.
	ErrNotDelivered = errors.New("message not delivered")
)

// Permissions are the bot's capabilities in one destination.
type Permissions struct {
	CanPost        bool
	CanEmbed       bool // Rich cards
	CanAttachFiles bool
	CanPublish     bool // Announcement channels (pin on Telegram)
}

// Channel is a resolved destination.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Perms   Permissions
}

// Card is the rich form of a notification.
type Card struct {
	Timestamp   time.Time
	Title       string
	URL         string
	Thumbnail   string
	Author      string
	Description string
}

// Message is one outgoing notification. Card is nil for the plain form.
type Message struct {
	Card    *Card
	Mention *tracker.Mention // The only target allowed to ping, nil for none
	Content string
}

// Platform defines the operations the tracker needs from a chat host.
type Platform interface {
	// Channel looks up a destination and the bot's permissions in it.
	Channel(ctx context.Context, id string) (*Channel, error)
	// Send posts msg and returns the platform message ID.
	Send(ctx context.Context, channelID string, msg *Message) (string, error)
	// Publish crossposts or pins a sent message.
	Publish(ctx context.Context, channelID, messageID string) error
	// GuildOwner returns the user ID of the guild owner.
	GuildOwner(ctx context.Context, guild string) (string, error)
	// DirectMessage sends text privately to a user.
	DirectMessage(ctx context.Context, userID, text string) error
}
