package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"youtube-notifier/compose"
	"youtube-notifier/pkg/tracker"
)

const (
	// DefaultPageSize fits a chat message with room to spare.
	DefaultPageSize = 2000
	maxNameRunes    = 50
	listTimeLayout  = "2006-01-02 15:04"
)

// Tags shown next to a listed subscription.
const (
	tagMessage = "\u1d9c"
	tagMention = "\u1d50"
	tagPublish = "\u1d56"
	tagPlain   = "\u02e1"
)

// Listing is one subscription as seen from one destination.
type Listing struct {
	LastPublishedAt time.Time `json:"last_published_at"`
	ChannelID       string    `json:"channel_id"`
	Name            string    `json:"name"`
	Tags            string    `json:"tags,omitempty"`
}

// Group holds the subscriptions of one destination, newest watermark first.
type Group struct {
	Destination   string    `json:"destination"`
	Subscriptions []Listing `json:"subscriptions"`
}

// List returns the subscriptions of guild grouped by destination. An empty guild lists everything.
func (m *Manager) List(ctx context.Context, guild string) ([]Group, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	byDest := make(map[string][]Listing)
	for _, sub := range subs {
		for dest, d := range sub.Destinations {
			if !inScope(d, guild) {
				continue
			}
			byDest[dest] = append(byDest[dest], Listing{
				ChannelID:       sub.ID,
				Name:            sub.Name,
				LastPublishedAt: sub.LastPublishedAt,
				Tags:            tags(d),
			})
		}
	}

	groups := make([]Group, 0, len(byDest))
	for dest, listings := range byDest {
		slices.SortFunc(listings, func(a, b Listing) int {
			if c := b.LastPublishedAt.Compare(a.LastPublishedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ChannelID, b.ChannelID)
		})
		groups = append(groups, Group{Destination: dest, Subscriptions: listings})
	}
	slices.SortFunc(groups, func(a, b Group) int {
		return strings.Compare(a.Destination, b.Destination)
	})
	return groups, nil
}

func tags(d *tracker.Destination) string {
	var b strings.Builder
	if d.Message != nil {
		b.WriteString(tagMessage)
	}
	if d.Mention != nil {
		b.WriteString(tagMention)
	}
	if d.Publish {
		b.WriteString(tagPublish)
	}
	if d.Plain {
		b.WriteString(tagPlain)
	}
	return b.String()
}

// Pages renders groups as text pages of at most limit bytes each. Lines are never split.
func Pages(groups []Group, limit int) []string {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var lines []string
	for _, g := range groups {
		noun := "subscriptions"
		if len(g.Subscriptions) == 1 {
			noun = "subscription"
		}
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("%d YouTube %s for %s", len(g.Subscriptions), noun, g.Destination))
		for _, l := range g.Subscriptions {
			line := fmt.Sprintf("%s %s %s", l.ChannelID, l.LastPublishedAt.UTC().Format(listTimeLayout), truncate(l.Name, maxNameRunes))
			if l.Tags != "" {
				line += " " + l.Tags
			}
			lines = append(lines, line)
		}
	}

	var pages []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			pages = append(pages, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		pages = append(pages, s)
	}
	return pages
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// DestinationInfo describes one destination of a subscription.
type DestinationInfo struct {
	Message            *string `json:"message,omitempty"`
	ID                 string  `json:"id"`
	Mention            string  `json:"mention,omitempty"`
	PreviousName       string  `json:"previous_name,omitempty"`
	Publish            bool    `json:"publish"`
	PublishUnavailable bool    `json:"publish_unavailable,omitempty"` // Publish is on but the destination cannot publish
	Plain              bool    `json:"plain"`
}

// Info describes a subscription within one guild.
type Info struct {
	LastPublishedAt time.Time         `json:"last_published_at"`
	LastErrorAt     time.Time         `json:"last_error_at,omitzero"`
	ChannelID       string            `json:"channel_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Destinations    []DestinationInfo `json:"destinations"`
	ErrorCount      int               `json:"error_count"`
}

// Info returns the details of the subscription named by input, limited to guild.
func (m *Manager) Info(ctx context.Context, input, guild string) (*Info, error) {
	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &Info{
		ChannelID:       sub.ID,
		Name:            sub.Name,
		URL:             "https://www.youtube.com/channel/" + sub.ID,
		LastPublishedAt: sub.LastPublishedAt,
		LastErrorAt:     sub.LastErrorAt,
		ErrorCount:      sub.ErrorCount,
	}
	for _, dest := range destinationIDs(sub) {
		d := sub.Destinations[dest]
		if !inScope(d, guild) {
			continue
		}
		di := DestinationInfo{
			ID:           dest,
			Message:      d.Message,
			Mention:      compose.MentionText(d.Mention),
			PreviousName: d.PreviousName,
			Publish:      d.Publish,
			Plain:        d.Plain,
		}
		if d.Publish {
			if ch, err := m.platform.Channel(ctx, dest); err == nil && !ch.Perms.CanPublish {
				di.PublishUnavailable = true
			}
		}
		info.Destinations = append(info.Destinations, di)
	}
	if len(info.Destinations) == 0 {
		return nil, tracker.ErrNotFound
	}
	return info, nil
}

func destinationIDs(sub *tracker.Subscription) []string {
	ids := make([]string, 0, len(sub.Destinations))
	for id := range sub.Destinations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
