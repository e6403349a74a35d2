package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"youtube-notifier/compose"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

// Legacy templates used %key% placeholders.
var legacyPlaceholderRegex = regexp.MustCompile(`%([A-Za-z_]+)%`)

// legacySub is one channel of the old export: {"<id>": {name, updated, processed, discord}}.
type legacySub struct {
	Discord   map[string]legacyDestination `json:"discord"`
	Name      string                       `json:"name"`
	Processed []string                     `json:"processed"`
	Updated   float64                      `json:"updated"` // Unix seconds
}

// legacyDestination fields are false when unset, so they are decoded by hand.
type legacyDestination struct {
	Message json.RawMessage `json:"message"`
	Mention json.RawMessage `json:"mention"`
	Publish bool            `json:"publish"`
}

// MigrateResult counts what an import did.
type MigrateResult struct {
	Channels     int `json:"channels"`
	Destinations int `json:"destinations"`
	Skipped      int `json:"skipped"` // Invalid channels and unreachable destinations
}

// Migrate imports a legacy export. Destinations already present keep their current settings.
func (m *Manager) Migrate(ctx context.Context, data []byte) (*MigrateResult, error) {
	var export []map[string]legacySub
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("decode legacy export: %w", err)
	}

	res := &MigrateResult{}
	for _, item := range export {
		for id, legacy := range item {
			if !tracker.ValidChannelID(id) {
				m.logger.Warn("Skipping legacy subscription with invalid channel ID", "channel_id", id)
				res.Skipped++
				continue
			}
			added, skipped, err := m.migrateOne(ctx, id, legacy)
			if err != nil {
				return res, fmt.Errorf("import %s: %w", id, err)
			}
			res.Skipped += skipped
			if added > 0 {
				res.Channels++
				res.Destinations += added
			}
		}
	}
	m.logger.Info("Legacy import completed", "channels", res.Channels, "destinations", res.Destinations, "skipped", res.Skipped)
	return res, nil
}

func (m *Manager) migrateOne(ctx context.Context, id string, legacy legacySub) (added, skipped int, err error) {
	dests := make(map[string]*tracker.Destination, len(legacy.Discord))
	for destID, ld := range legacy.Discord {
		ch, err := m.platform.Channel(ctx, destID)
		if errors.Is(err, platform.ErrChannelGone) {
			m.logger.Warn("Skipping unreachable legacy destination", "channel_id", id, "destination", destID)
			skipped++
			continue
		}
		if err != nil {
			return 0, skipped, err
		}
		dests[destID] = m.convertDestination(id, ch, ld)
	}
	if len(dests) == 0 {
		return 0, skipped, nil
	}

	watermark := time.Time{}
	if legacy.Updated > 0 {
		sec, frac := math.Modf(legacy.Updated)
		watermark = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	processed := legacy.Processed
	if len(processed) > tracker.MaxProcessed {
		processed = processed[:tracker.MaxProcessed]
	}

	_, err = m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		added = 0
		var next *tracker.Subscription
		if cur == nil {
			next = &tracker.Subscription{
				Name:            legacy.Name,
				LastPublishedAt: watermark,
				ProcessedIDs:    append([]string(nil), processed...),
				CreatedAt:       m.now(),
				Destinations:    make(map[string]*tracker.Destination),
			}
			if next.Name == "" {
				next.Name = id
			}
		} else {
			next = cur.Clone()
			if watermark.After(next.LastPublishedAt) {
				next.LastPublishedAt = watermark
			}
			for i := len(processed) - 1; i >= 0; i-- {
				next.Remember(processed[i])
			}
		}
		for destID, d := range dests {
			if _, ok := next.Destinations[destID]; ok {
				continue
			}
			dc := *d
			next.Destinations[destID] = &dc
			added++
		}
		if added == 0 && cur != nil {
			return nil, errAlreadyImported
		}
		return next, nil
	})
	if errors.Is(err, errAlreadyImported) {
		return 0, skipped, nil
	}
	return added, skipped, err
}

var errAlreadyImported = errors.New("nothing new to import")

func (m *Manager) convertDestination(channelID string, ch *platform.Channel, ld legacyDestination) *tracker.Destination {
	d := &tracker.Destination{CreatedAt: m.now(), Guild: ch.GuildID}

	if msg, ok := legacyString(ld.Message); ok {
		msg = legacyPlaceholderRegex.ReplaceAllString(msg, "{$1}")
		if err := compose.Validate(msg); err != nil {
			m.logger.Warn("Dropping legacy template", "channel_id", channelID, "destination", ch.ID, "error", err)
		} else {
			d.Message = &msg
		}
	}

	if mention, ok := legacyString(ld.Mention); ok {
		// The old bot stored the guild ID to mean @everyone.
		if mention == ch.GuildID {
			d.Mention = &tracker.Mention{Kind: tracker.MentionEveryone}
		} else {
			target := tracker.ParseMention(mention)
			d.Mention = &target
		}
	}

	d.Publish = ld.Publish && ch.Perms.CanPublish
	return d
}

// legacyString reads a value stored as a string, a number, or false.
func legacyString(raw json.RawMessage) (string, bool) {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", `""`, "0":
		return "", false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, str != ""
	}
	return s, true
}
