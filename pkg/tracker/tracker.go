// Package tracker contains the core domain types for the YouTube subscription tracker.
package tracker

import (
	"regexp"
	"time"
)

// MaxProcessed is how many announced video IDs a subscription remembers.
const MaxProcessed = 6

var channelIDRegex = regexp.MustCompile(`^UC[-_A-Za-z0-9]{21}[AQgw]$`)

// ValidChannelID reports whether id has the shape of a YouTube channel ID.
func ValidChannelID(id string) bool {
	return channelIDRegex.MatchString(id)
}

// MentionKind selects who a notification pings.
type MentionKind string

const (
	MentionEveryone MentionKind = "everyone" // the guild's default role
	MentionHere     MentionKind = "here"     // online members only
	MentionRole     MentionKind = "role"
)

// Mention is a stored mention target.
type Mention struct {
	Kind MentionKind `json:"kind"`
	Role string      `json:"role,omitempty"` // Only set for MentionRole
}

// ParseMention maps user input to a mention target: "everyone", "here", or a role ID.
func ParseMention(s string) Mention {
	switch s {
	case "everyone", "@everyone":
		return Mention{Kind: MentionEveryone}
	case "here", "@here":
		return Mention{Kind: MentionHere}
	default:
		return Mention{Kind: MentionRole, Role: s}
	}
}

// Destination is the delivery configuration for one chat channel.
type Destination struct {
	Message      *string   `json:"message,omitempty"`       // Custom template, nil when unset
	Mention      *Mention  `json:"mention,omitempty"`       // Mention target, nil when unset
	CreatedAt    time.Time `json:"created_at"`              // Subscription timestamp
	Guild        string    `json:"guild"`                   // Parent guild of the channel
	PreviousName string    `json:"previous_name,omitempty"` // Channel name before the last rename
	Publish      bool      `json:"publish,omitempty"`       // Publish announcements after sending
	Plain        bool      `json:"plain,omitempty"`         // Prefer plain links over rich cards
}

// Subscription is the tracked state of one YouTube channel and everywhere it is announced.
type Subscription struct {
	Destinations    map[string]*Destination `json:"destinations"`      // Map of destination ID -> config
	LastPublishedAt time.Time               `json:"last_published_at"` // Watermark of announced videos
	LastErrorAt     time.Time               `json:"last_error_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	ID              string                  `json:"id"`            // YouTube channel ID
	Name            string                  `json:"name"`          // Channel title from the feed
	ProcessedIDs    []string                `json:"processed_ids"` // Most recent first
	ErrorCount      int                     `json:"error_count"`   // Consecutive HTTP failures
}

// Processed reports whether videoID was already announced.
func (s *Subscription) Processed(videoID string) bool {
	for _, id := range s.ProcessedIDs {
		if id == videoID {
			return true
		}
	}
	return false
}

// Remember records videoID as the most recently announced video.
func (s *Subscription) Remember(videoID string) {
	if s.Processed(videoID) {
		return
	}
	ids := append([]string{videoID}, s.ProcessedIDs...)
	if len(ids) > MaxProcessed {
		ids = ids[:MaxProcessed]
	}
	s.ProcessedIDs = ids
}

// InGuild returns the destination IDs that belong to guild.
func (s *Subscription) InGuild(guild string) []string {
	var ids []string
	for id, d := range s.Destinations {
		if d.Guild == guild {
			ids = append(ids, id)
		}
	}
	return ids
}

// Guilds returns each guild with its destination IDs.
func (s *Subscription) Guilds() map[string][]string {
	guilds := make(map[string][]string)
	for id, d := range s.Destinations {
		guilds[d.Guild] = append(guilds[d.Guild], id)
	}
	return guilds
}

// Clone returns a deep copy so callers can diff against the original.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.ProcessedIDs = append([]string(nil), s.ProcessedIDs...)
	c.Destinations = make(map[string]*Destination, len(s.Destinations))
	for id, d := range s.Destinations {
		dc := *d
		if d.Message != nil {
			m := *d.Message
			dc.Message = &m
		}
		if d.Mention != nil {
			m := *d.Mention
			dc.Mention = &m
		}
		c.Destinations[id] = &dc
	}
	return &c
}

// Settings is the global configuration blob.
type Settings struct {
	CooldownUntil time.Time `json:"cooldown_until,omitempty"` // Skip polling until this time
	Interval      int       `json:"interval"`                 // Poll interval in seconds
}
