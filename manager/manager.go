// Package manager implements the subscription commands: subscribe, unsubscribe, options, listing, and import.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"youtube-notifier/compose"
	"youtube-notifier/feed"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

// errVanished means the subscription disappeared between the existence check and the write.
var errVanished = errors.New("subscription vanished during update")

// Resolver maps user input to a channel ID.
type Resolver interface {
	Resolve(ctx context.Context, input string) (string, error)
}

// Fetcher retrieves the raw feed of a channel.
type Fetcher interface {
	Fetch(ctx context.Context, channelID string) ([]byte, error)
}

// Store interface for subscription persistence.
type Store interface {
	Get(ctx context.Context, channelID string) (*tracker.Subscription, error)
	Update(ctx context.Context, channelID string, fn func(*tracker.Subscription) (*tracker.Subscription, error)) (*tracker.Subscription, error)
	List(ctx context.Context) ([]*tracker.Subscription, error)
}

// Manager applies subscription commands.
type Manager struct {
	resolver Resolver
	fetcher  Fetcher
	store    Store
	platform platform.Platform
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new subscription manager.
func New(resolver Resolver, fetcher Fetcher, store Store, p platform.Platform, logger *slog.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		fetcher:  fetcher,
		store:    store,
		platform: p,
		logger:   logger,
		now:      time.Now,
	}
}

func (m *Manager) channel(ctx context.Context, destination string) (*platform.Channel, error) {
	ch, err := m.platform.Channel(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("look up destination %s: %w", destination, err)
	}
	return ch, nil
}

// Subscribe starts announcing the channel named by input in destination.
func (m *Manager) Subscribe(ctx context.Context, input, destination string) (*tracker.Subscription, error) {
	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	ch, err := m.channel(ctx, destination)
	if err != nil {
		return nil, err
	}
	if !ch.Perms.CanPost {
		return nil, &tracker.PermissionError{Destination: destination, Capability: "post"}
	}

	var seed *tracker.Subscription
	if _, err := m.store.Get(ctx, id); errors.Is(err, tracker.ErrNotFound) {
		if seed, err = m.seed(ctx, id); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	for range 2 {
		sub, err := m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
			var next *tracker.Subscription
			switch {
			case cur != nil:
				next = cur.Clone()
			case seed != nil:
				next = seed.Clone()
			default:
				return nil, errVanished
			}
			if _, ok := next.Destinations[destination]; ok {
				return nil, tracker.ErrAlreadySubscribed
			}
			next.Destinations[destination] = &tracker.Destination{CreatedAt: m.now(), Guild: ch.GuildID}
			return next, nil
		})
		if errors.Is(err, errVanished) {
			if seed, err = m.seed(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.Info("Subscribed", "channel_id", id, "name", sub.Name, "destination", destination, "guild", ch.GuildID)
		return sub, nil
	}
	return nil, fmt.Errorf("subscribe %s: %w", id, errVanished)
}

// seed builds the initial record of a channel from one feed fetch, so existing videos are not announced.
func (m *Manager) seed(ctx context.Context, channelID string) (*tracker.Subscription, error) {
	data, err := m.fetcher.Fetch(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	f, err := feed.Parse(data)
	if err != nil {
		return nil, err
	}

	sub := &tracker.Subscription{
		Name:            f.Title,
		LastPublishedAt: f.Latest(),
		CreatedAt:       m.now(),
		Destinations:    make(map[string]*tracker.Destination),
	}
	if sub.Name == "" {
		sub.Name = channelID
	}
	for _, e := range f.Entries {
		if len(sub.ProcessedIDs) == tracker.MaxProcessed {
			break
		}
		sub.ProcessedIDs = append(sub.ProcessedIDs, e.VideoID)
	}
	return sub, nil
}

// Removal reports what an unsubscribe or delete removed.
type Removal struct {
	ChannelID    string
	Name         string
	Destinations []string
}

// Unsubscribe stops announcing a channel in destination, or in every destination of guild when destination is empty.
func (m *Manager) Unsubscribe(ctx context.Context, input, guild, destination string) (*Removal, error) {
	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}

	res := &Removal{ChannelID: id}
	_, err = m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		res.Destinations = nil
		if cur == nil {
			return nil, tracker.ErrNotFound
		}
		res.Name = cur.Name

		var targets []string
		switch {
		case destination == "" && guild == "":
			for dest := range cur.Destinations {
				targets = append(targets, dest)
			}
		case destination == "":
			targets = cur.InGuild(guild)
		default:
			if d, ok := cur.Destinations[destination]; ok && inScope(d, guild) {
				targets = []string{destination}
			}
		}
		if len(targets) == 0 {
			return nil, tracker.ErrNotFound
		}

		next := cur.Clone()
		for _, t := range targets {
			delete(next.Destinations, t)
		}
		slices.Sort(targets)
		res.Destinations = targets
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Unsubscribed", "channel_id", id, "destinations", res.Destinations)
	return res, nil
}

// Delete removes the subscription from every destination.
func (m *Manager) Delete(ctx context.Context, input string) (*Removal, error) {
	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}

	res := &Removal{ChannelID: id}
	_, err = m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, tracker.ErrNotFound
		}
		res.Name = cur.Name
		res.Destinations = make([]string, 0, len(cur.Destinations))
		for dest := range cur.Destinations {
			res.Destinations = append(res.Destinations, dest)
		}
		slices.Sort(res.Destinations)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Subscription deleted", "channel_id", id, "destinations", len(res.Destinations))
	return res, nil
}

// SetOption sets or clears one setting of a destination. A nil option payload clears the setting.
// An empty destination applies the option to every destination of the subscription within guild.
func (m *Manager) SetOption(ctx context.Context, input, guild, destination string, opt tracker.Option) error {
	enablePublish := false
	switch o := opt.(type) {
	case tracker.MessageOption:
		if o.Template != nil {
			if err := compose.Validate(*o.Template); err != nil {
				return err
			}
		}
	case tracker.PublishOption:
		enablePublish = o.Enabled != nil && *o.Enabled
	case tracker.MentionOption, tracker.PlainOption:
	default:
		return fmt.Errorf("%T: %w", opt, tracker.ErrUnknownOption)
	}

	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return err
	}

	// Publish capability is checked up front so no platform call runs inside the update.
	var publishable map[string]bool
	if enablePublish {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		publishable = make(map[string]bool)
		for _, d := range targets(cur, guild, destination) {
			if err := m.requirePublish(ctx, d); err != nil {
				return err
			}
			publishable[d] = true
		}
	}

	value, set := opt.Value()
	var changed []string
	_, err = m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, tracker.ErrNotFound
		}
		changed = targets(cur, guild, destination)
		if len(changed) == 0 && destination == "" {
			return nil, fmt.Errorf("no destination in guild %s: %w", guild, tracker.ErrNotFound)
		}
		if len(changed) == 0 {
			return nil, fmt.Errorf("destination %s: %w", destination, tracker.ErrNotFound)
		}
		next := cur.Clone()
		for _, d := range changed {
			if enablePublish && !publishable[d] {
				return nil, &tracker.PermissionError{Destination: d, Capability: "publish"}
			}
			path := opt.Path(d)
			var ferr error
			if set {
				ferr = next.Set(path, value)
			} else {
				ferr = next.Clear(path)
			}
			if ferr != nil {
				return nil, ferr
			}
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Destination option changed", "channel_id", id, "destinations", changed, "option", opt.Path(destination).Field, "cleared", !set)
	return nil
}

// targets returns destination when it is in scope of guild, or every destination in scope when it is empty.
func targets(sub *tracker.Subscription, guild, destination string) []string {
	if destination != "" {
		if d, ok := sub.Destinations[destination]; ok && inScope(d, guild) {
			return []string{destination}
		}
		return nil
	}
	var ids []string
	for id, d := range sub.Destinations {
		if inScope(d, guild) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// TogglePublish flips publishing for destination and returns the new state.
func (m *Manager) TogglePublish(ctx context.Context, input, guild, destination string) (bool, error) {
	id, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return false, err
	}
	ch, err := m.channel(ctx, destination)
	if err != nil {
		return false, err
	}

	var enabled bool
	_, err = m.store.Update(ctx, id, func(cur *tracker.Subscription) (*tracker.Subscription, error) {
		if cur == nil {
			return nil, tracker.ErrNotFound
		}
		d, ok := cur.Destinations[destination]
		if !ok || !inScope(d, guild) {
			return nil, fmt.Errorf("destination %s: %w", destination, tracker.ErrNotFound)
		}
		enabled = !d.Publish
		if enabled && !ch.Perms.CanPublish {
			return nil, &tracker.PermissionError{Destination: destination, Capability: "publish"}
		}
		next := cur.Clone()
		next.Destinations[destination].Publish = enabled
		return next, nil
	})
	if err != nil {
		return false, err
	}
	m.logger.Info("Publishing toggled", "channel_id", id, "destination", destination, "publish", enabled)
	return enabled, nil
}

func (m *Manager) requirePublish(ctx context.Context, destination string) error {
	ch, err := m.channel(ctx, destination)
	if err != nil {
		return err
	}
	if !ch.Perms.CanPublish {
		return &tracker.PermissionError{Destination: destination, Capability: "publish"}
	}
	return nil
}

// inScope reports whether d belongs to guild. An empty guild matches everything.
func inScope(d *tracker.Destination, guild string) bool {
	return guild == "" || d.Guild == guild
}
