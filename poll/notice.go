package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"youtube-notifier/metrics"
	"youtube-notifier/pkg/tracker"
)

// Notice kinds, also used as metric labels.
const (
	noticeWarning  = "warning"
	noticeGiveUp   = "giveup"
	noticeRecovery = "recovery"
)

// notifyOwners sends text once to every distinct owner of a guild the subscription is announced in.
// Failures are logged and swallowed.
func (m *Monitor) notifyOwners(ctx context.Context, logger *slog.Logger, sub *tracker.Subscription, kind, text string) {
	guilds := make([]string, 0)
	for guild := range sub.Guilds() {
		guilds = append(guilds, guild)
	}
	slices.Sort(guilds)

	notified := make(map[string]bool)
	for _, guild := range guilds {
		owner, err := m.platform.GuildOwner(ctx, guild)
		if err != nil {
			logger.Warn("Failed to look up guild owner", "guild", guild, "kind", kind, "error", err)
			continue
		}
		if notified[owner] {
			continue
		}
		notified[owner] = true

		if err := m.platform.DirectMessage(ctx, owner, text); err != nil {
			logger.Warn("Failed to notify guild owner", "guild", guild, "owner", owner, "kind", kind, "error", err)
			continue
		}
		metrics.OwnerNotices.WithLabelValues(kind).Inc()
		logger.Info("Notified guild owner", "guild", guild, "owner", owner, "kind", kind)
	}
}

func displayName(sub *tracker.Subscription) string {
	if sub.Name == "" {
		return sub.ID
	}
	return fmt.Sprintf("%s (%s)", sub.Name, sub.ID)
}

func warningText(sub *tracker.Subscription, days int) string {
	return fmt.Sprintf("The YouTube channel %s has failed %d checks in a row. "+
		"It will be unsubscribed in about %d days if this continues. "+
		"Unsubscribe from it to stop these messages.", displayName(sub), sub.ErrorCount, days)
}

func giveUpText(sub *tracker.Subscription) string {
	return fmt.Sprintf("Giving up on the YouTube channel %s after %d failed checks. "+
		"It has been unsubscribed everywhere in your server.", displayName(sub), sub.ErrorCount)
}

func recoveryText(sub *tracker.Subscription) string {
	return fmt.Sprintf("The YouTube channel %s is reachable again. Notifications resume as usual.", displayName(sub))
}
