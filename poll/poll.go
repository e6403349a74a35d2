// Package poll checks tracked YouTube channels for new videos and applies the failure policy.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"youtube-notifier/compose"
	"youtube-notifier/dispatch"
	"youtube-notifier/feed"
	"youtube-notifier/metrics"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
	"youtube-notifier/storage"
)

const (
	lookback            = 4 // Newest feed entries considered per check
	defaultWorkers      = 4
	defaultFetchTimeout = 15 * time.Second
)

// ErrCheckRunning is returned by CheckAll while another check is in progress.
var ErrCheckRunning = errors.New("check already running")

// Fetcher retrieves the raw feed of a channel.
type Fetcher interface {
	Fetch(ctx context.Context, channelID string) ([]byte, error)
}

// Store interface for subscription persistence.
type Store interface {
	List(ctx context.Context) ([]*tracker.Subscription, error)
	Update(ctx context.Context, channelID string, fn func(*tracker.Subscription) (*tracker.Subscription, error)) (*tracker.Subscription, error)
	Delete(ctx context.Context, channelID string) error
	Settings(ctx context.Context) (*tracker.Settings, error)
	UpdateSettings(ctx context.Context, fn func(*tracker.Settings) error) error
}

// Dispatcher delivers one message to one destination.
type Dispatcher interface {
	Send(ctx context.Context, ch *platform.Channel, dest *tracker.Destination, msg *platform.Message) (*dispatch.Result, error)
}

// Config holds the collaborators and tuning of a Monitor.
type Config struct {
	Fetcher      Fetcher
	Store        Store
	Platform     platform.Platform
	Dispatcher   Dispatcher
	Logger       *slog.Logger
	Policy       Policy // Zero value means DefaultPolicy
	Interval     time.Duration
	FetchTimeout time.Duration
	Workers      int
}

// Monitor handles channel polling logic.
type Monitor struct {
	fetcher      Fetcher
	store        Store
	platform     platform.Platform
	dispatcher   Dispatcher
	logger       *slog.Logger
	now          func() time.Time
	reset        chan struct{}
	policy       Policy
	fetchTimeout time.Duration
	workers      int

	running sync.Mutex // Held for the duration of a CheckAll

	mu       sync.Mutex
	interval time.Duration
}

// New creates a new poll monitor.
func New(cfg *Config) *Monitor {
	m := &Monitor{
		fetcher:      cfg.Fetcher,
		store:        cfg.Store,
		platform:     cfg.Platform,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
		now:          time.Now,
		reset:        make(chan struct{}, 1),
		policy:       cfg.Policy,
		fetchTimeout: cfg.FetchTimeout,
		workers:      cfg.Workers,
		interval:     cfg.Interval,
	}
	if m.policy == (Policy{}) {
		m.policy = DefaultPolicy()
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = defaultFetchTimeout
	}
	if m.workers <= 0 {
		m.workers = defaultWorkers
	}
	if m.interval < MinInterval {
		m.interval = DefaultInterval
	}
	return m
}

// Policy returns the failure policy in effect.
func (m *Monitor) Policy() Policy {
	return m.policy
}

// CheckAll checks every subscription once. Per-channel failures are logged, never returned.
// Checks never overlap: a call made while one is running returns ErrCheckRunning.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.running.TryLock() {
		m.logger.Info("Check already in progress, skipping")
		return ErrCheckRunning
	}
	defer m.running.Unlock()

	start := time.Now()
	now := m.now()
	logger := m.logger.With("tick", uuid.NewString())

	settings, err := m.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if now.Before(settings.CooldownUntil) {
		logger.Warn("Rate-limit cooldown active, skipping check", "until", settings.CooldownUntil.Format(time.RFC3339))
		return nil
	}

	subs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	logger.Info("Checking subscriptions", "count", len(subs), "timestamp", now.Format(time.RFC3339))

	var limited atomic.Bool
	var skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, sub := range subs {
		g.Go(func() error {
			if ctx.Err() != nil || limited.Load() {
				skipped.Add(1)
				return nil
			}
			if err := m.checkChannel(ctx, logger.With("channel_id", sub.ID), sub, &limited); err != nil {
				logger.Warn("Channel check failed", "channel_id", sub.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.ObserveTick(start, len(subs))
	logger.Info("Subscription check completed",
		"total", len(subs),
		"skipped", skipped.Load(),
		"rate_limited", limited.Load(),
		"duration_ms", time.Since(start).Milliseconds())
	return ctx.Err()
}

func (m *Monitor) checkChannel(ctx context.Context, logger *slog.Logger, sub *tracker.Subscription, limited *atomic.Bool) error {
	now := m.now()

	live, gone := m.liveness(ctx, logger, sub)
	if len(gone) > 0 {
		updated, err := m.dropDestinations(ctx, sub.ID, gone)
		if err != nil {
			return fmt.Errorf("drop unreachable destinations: %w", err)
		}
		logger.Info("Removed unreachable destinations", "destinations", gone)
		if updated == nil {
			metrics.Deletions.WithLabelValues("gone").Inc()
			logger.Info("Subscription deleted, no destinations left")
			return nil
		}
		sub = updated
	}

	if sub.ErrorCount > 0 {
		wait := m.policy.Backoff(sub.ErrorCount)
		if next := sub.LastErrorAt.Add(wait); now.Before(next) {
			metrics.Fetches.WithLabelValues(metrics.FetchSkipped).Inc()
			logger.Debug("Skipping channel in backoff",
				"error_count", sub.ErrorCount,
				"next_check", next.Format(time.RFC3339))
			return nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	data, err := m.fetcher.Fetch(fetchCtx, sub.ID)
	cancel()
	var f *feed.Feed
	if err == nil {
		f, err = feed.Parse(data)
	}
	if err != nil {
		return m.recordFailure(ctx, logger, sub.ID, err, now, limited)
	}
	metrics.Fetches.WithLabelValues(metrics.FetchOK).Inc()

	return m.announce(ctx, logger, sub, f, live)
}

// liveness resolves every destination. Gone destinations are returned for removal;
// destinations that fail for other reasons are left out of this check only.
func (m *Monitor) liveness(ctx context.Context, logger *slog.Logger, sub *tracker.Subscription) (map[string]*platform.Channel, []string) {
	live := make(map[string]*platform.Channel, len(sub.Destinations))
	var gone []string
	for _, id := range destinationIDs(sub) {
		ch, err := m.platform.Channel(ctx, id)
		switch {
		case errors.Is(err, platform.ErrChannelGone):
			gone = append(gone, id)
		case err != nil:
			logger.Warn("Failed to look up destination", "destination", id, "error", err)
		default:
			live[id] = ch
		}
	}
	return live, gone
}

func (m *Monitor) dropDestinations(ctx context.Context, channelID string, ids []string) (*tracker.Subscription, error) {
	return m.store.Update(ctx, channelID, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, storage.ErrUnchanged
		}
		next := cur.Clone()
		changed := false
		for _, id := range ids {
			if _, ok := next.Destinations[id]; ok {
				delete(next.Destinations, id)
				changed = true
			}
		}
		if !changed {
			return nil, storage.ErrUnchanged
		}
		return next, nil
	})
}

func (m *Monitor) recordFailure(ctx context.Context, logger *slog.Logger, channelID string, fetchErr error, now time.Time, limited *atomic.Bool) error {
	if feed.IsConnectionError(fetchErr) {
		metrics.Fetches.WithLabelValues(metrics.FetchConnection).Inc()
		logger.Info("Feed unreachable, retrying next check", "error", fetchErr)
		return nil
	}

	result := metrics.FetchParse
	if he, ok := feed.AsHTTPError(fetchErr); ok {
		result = metrics.FetchHTTP
		if he.IsRateLimited() {
			m.startCooldown(ctx, logger, now, limited)
		}
	}
	metrics.Fetches.WithLabelValues(result).Inc()

	updated, err := m.store.Update(ctx, channelID, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, storage.ErrUnchanged
		}
		next := cur.Clone()
		next.ErrorCount++
		next.LastErrorAt = now
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if updated == nil {
		return nil
	}

	logger.Warn("Feed check failed", "error_count", updated.ErrorCount, "error", fetchErr)

	switch {
	case m.policy.GiveUp(updated.ErrorCount):
		m.notifyOwners(ctx, logger, updated, noticeGiveUp, giveUpText(updated))
		if err := m.store.Delete(ctx, channelID); err != nil {
			return fmt.Errorf("delete failing subscription: %w", err)
		}
		metrics.Deletions.WithLabelValues("giveup").Inc()
		logger.Warn("Gave up on failing channel", "error_count", updated.ErrorCount)
	case m.policy.ShouldWarn(updated.ErrorCount):
		days := m.policy.DaysRemaining(updated.ErrorCount)
		m.notifyOwners(ctx, logger, updated, noticeWarning, warningText(updated, days))
	}
	return nil
}

func (m *Monitor) startCooldown(ctx context.Context, logger *slog.Logger, now time.Time, limited *atomic.Bool) {
	if !limited.CompareAndSwap(false, true) {
		return
	}
	metrics.RateLimited.Inc()
	until := now.Add(m.policy.Cooldown)
	logger.Warn("Rate limited by YouTube, pausing checks", "until", until.Format(time.RFC3339))

	err := m.store.UpdateSettings(ctx, func(s *tracker.Settings) error {
		if s.CooldownUntil.Before(until) {
			s.CooldownUntil = until
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to persist cooldown", "error", err)
	}
}

// announce dispatches new entries and patches the stored record with what this check learned.
func (m *Monitor) announce(ctx context.Context, logger *slog.Logger, sub *tracker.Subscription, f *feed.Feed, live map[string]*platform.Channel) error {
	entries := newEntries(f, sub)
	gone := make(map[string]bool)

	for _, e := range entries {
		for _, id := range destinationIDs(sub) {
			ch, ok := live[id]
			if !ok || gone[id] {
				continue
			}
			dest := sub.Destinations[id]
			msg := compose.Compose(e, dest, compose.Options{Rich: ch.Perms.CanEmbed && !dest.Plain})

			res, err := m.dispatcher.Send(ctx, ch, dest, msg)
			switch {
			case errors.Is(err, platform.ErrChannelGone):
				gone[id] = true
				metrics.Notifications.WithLabelValues("failed").Inc()
				logger.Info("Destination disappeared during delivery", "destination", id)
			case err != nil:
				metrics.Notifications.WithLabelValues("failed").Inc()
				logger.Warn("Failed to deliver notification", "destination", id, "video_id", e.VideoID, "error", err)
			case res.Skipped:
				metrics.Notifications.WithLabelValues("skipped").Inc()
			default:
				metrics.Notifications.WithLabelValues("sent").Inc()
			}
		}
	}

	title := f.Title
	previousErrors := 0
	renamed := ""
	updated, err := m.store.Update(ctx, sub.ID, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, storage.ErrUnchanged
		}
		previousErrors = cur.ErrorCount
		renamed = ""
		next := cur.Clone()
		changed := false

		if next.ErrorCount != 0 || !next.LastErrorAt.IsZero() {
			next.ErrorCount = 0
			next.LastErrorAt = time.Time{}
			changed = true
		}
		if title != "" && title != next.Name {
			for _, d := range next.Destinations {
				if d.PreviousName == title {
					d.PreviousName = ""
				} else {
					d.PreviousName = next.Name
				}
			}
			renamed = next.Name
			next.Name = title
			changed = true
		}
		for _, e := range entries {
			if !next.Processed(e.VideoID) {
				next.Remember(e.VideoID)
				changed = true
			}
			if e.Published.After(next.LastPublishedAt) {
				next.LastPublishedAt = e.Published
				changed = true
			}
		}
		for id := range gone {
			if _, ok := next.Destinations[id]; ok {
				delete(next.Destinations, id)
				changed = true
			}
		}

		if !changed {
			return nil, storage.ErrUnchanged
		}
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("save check result: %w", err)
	}

	if len(entries) > 0 {
		logger.Info("Announced new videos", "count", len(entries), "latest", entries[len(entries)-1].VideoID)
	}
	if renamed != "" {
		logger.Info("Channel renamed", "old_name", renamed, "new_name", title)
	}
	if updated == nil {
		if len(gone) > 0 {
			metrics.Deletions.WithLabelValues("gone").Inc()
			logger.Info("Subscription deleted, no destinations left")
		}
		return nil
	}
	if m.policy.Sustained(previousErrors) {
		logger.Info("Channel recovered", "previous_error_count", previousErrors)
		m.notifyOwners(ctx, logger, updated, noticeRecovery, recoveryText(updated))
	}
	return nil
}

// newEntries returns the unannounced entries among the newest few, oldest first.
func newEntries(f *feed.Feed, sub *tracker.Subscription) []*feed.Entry {
	n := min(len(f.Entries), lookback)
	var out []*feed.Entry
	for i := n - 1; i >= 0; i-- {
		e := f.Entries[i]
		if e.Published.After(sub.LastPublishedAt) && !sub.Processed(e.VideoID) {
			out = append(out, e)
		}
	}
	return out
}

func destinationIDs(sub *tracker.Subscription) []string {
	ids := make([]string, 0, len(sub.Destinations))
	for id := range sub.Destinations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
