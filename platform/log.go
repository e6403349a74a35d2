package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sent is a message recorded by the log platform.
type Sent struct {
	Message   *Message
	ChannelID string
	ID        string
	Published bool
}

// DM is a direct message recorded by the log platform.
type DM struct {
	UserID string
	Text   string
}

// Log is a platform for local development. It logs instead of delivering and keeps what it sent.
// Unknown channels are treated as reachable with every permission, in a guild of the same ID.
type Log struct {
	logger    *slog.Logger
	channels  map[string]*Channel
	gone      map[string]bool
	owners    map[string]string
	sendErrs  map[string]error
	sent      []*Sent
	dms       []DM
	mu        sync.Mutex
	nextMsgID int
}

// NewLog creates a new logging platform.
func NewLog(logger *slog.Logger) *Log {
	return &Log{
		logger:   logger,
		channels: make(map[string]*Channel),
		gone:     make(map[string]bool),
		owners:   make(map[string]string),
		sendErrs: make(map[string]error),
	}
}

// AddChannel registers a destination with explicit permissions.
func (l *Log) AddChannel(ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[ch.ID] = &ch
	delete(l.gone, ch.ID)
}

// RemoveChannel makes later lookups of id report ErrChannelGone.
func (l *Log) RemoveChannel(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, id)
	l.gone[id] = true
}

// SetOwner sets the owner reported for guild.
func (l *Log) SetOwner(guild, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[guild] = userID
}

// FailSend makes sends to channelID return err. A nil err clears the failure.
func (l *Log) FailSend(channelID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.sendErrs, channelID)
		return
	}
	l.sendErrs[channelID] = err
}

// Sent returns the messages delivered so far.
func (l *Log) Sent() []*Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Sent(nil), l.sent...)
}

// DMs returns the direct messages delivered so far.
func (l *Log) DMs() []DM {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DM(nil), l.dms...)
}

// Channel returns the registered channel, or a fully permitted one for unknown IDs.
func (l *Log) Channel(_ context.Context, id string) (*Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone[id] {
		return nil, ErrChannelGone
	}
	if ch, ok := l.channels[id]; ok {
		c := *ch
		return &c, nil
	}
	return &Channel{
		ID:      id,
		GuildID: id,
		Name:    id,
		Perms:   Permissions{CanPost: true, CanEmbed: true, CanAttachFiles: true, CanPublish: true},
	}, nil
}

// Send logs the message instead of sending it.
func (l *Log) Send(_ context.Context, channelID string, msg *Message) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.sendErrs[channelID]; err != nil {
		return "", err
	}
	if l.gone[channelID] {
		return "", ErrChannelGone
	}

	l.nextMsgID++
	id := fmt.Sprintf("msg-%d", l.nextMsgID)
	l.sent = append(l.sent, &Sent{ChannelID: channelID, ID: id, Message: msg})

	l.logger.Info("MOCK MESSAGE",
		"channel_id", channelID,
		"message_id", id,
		"content", msg.Content,
		"rich", msg.Card != nil)
	return id, nil
}

// Publish marks a recorded message as published.
func (l *Log) Publish(_ context.Context, channelID, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sent {
		if s.ChannelID == channelID && s.ID == messageID {
			s.Published = true
			l.logger.Info("MOCK PUBLISH", "channel_id", channelID, "message_id", messageID)
			return nil
		}
	}
	return fmt.Errorf("message %s not found in %s", messageID, channelID)
}

// GuildOwner returns the owner set for guild, or "owner-<guild>".
func (l *Log) GuildOwner(_ context.Context, guild string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.owners[guild]; ok {
		return owner, nil
	}
	return "owner-" + guild, nil
}

// DirectMessage logs the direct message instead of sending it.
func (l *Log) DirectMessage(_ context.Context, userID, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dms = append(l.dms, DM{UserID: userID, Text: text})
	l.logger.Info("MOCK DIRECT MESSAGE", "user_id", userID, "text_length", len(text))
	return nil
}
