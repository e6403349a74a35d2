// Package storage handles persistence of subscriptions and settings.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"youtube-notifier/pkg/tracker"
)

const (
	keyPrefix   = "sub-"
	keySuffix   = ".json"
	settingsKey = "settings.json"
)

var (
	// ErrUnchanged may be returned by an update function to skip the write.
	ErrUnchanged = errors.New("unchanged")

	errNotExist = errors.New("storage: object doesn't exist")
	errConflict = errors.New("storage: concurrent modification")
)

// backend is a flat key/value object store with generation-checked writes.
// A generation of 0 means the object does not exist.
type backend interface {
	read(ctx context.Context, key string) ([]byte, int64, error)
	write(ctx context.Context, key string, data []byte, generation int64) error
	remove(ctx context.Context, key string) error
	keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Store handles subscription persistence. Every mutation is a read-modify-write on the freshest copy.
type Store struct {
	backend backend
	logger  *slog.Logger
	locks   sync.Map // key -> *sync.Mutex
}

func newStore(b backend, logger *slog.Logger) *Store {
	return &Store{backend: b, logger: logger}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// SubscriptionKey generates the object name for a channel ID.
// Returns "" for anything that is not a channel ID to prevent path traversal.
func SubscriptionKey(channelID string) string {
	if !tracker.ValidChannelID(channelID) {
		return ""
	}
	return keyPrefix + channelID + keySuffix
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, tracker.ErrNotFound) || errors.Is(err, errNotExist)
}

func (s *Store) lock(key string) func() {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu, ok := v.(*sync.Mutex)
	if !ok {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

func (s *Store) load(ctx context.Context, key string) (*tracker.Subscription, int64, error) {
	data, gen, err := s.backend.read(ctx, key)
	if err != nil {
		if errors.Is(err, errNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var sub tracker.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, 0, fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.Destinations == nil {
		sub.Destinations = make(map[string]*tracker.Destination)
	}
	return &sub, gen, nil
}

// Get loads the subscription of channelID. Returns tracker.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, channelID string) (*tracker.Subscription, error) {
	key := SubscriptionKey(channelID)
	if key == "" {
		return nil, fmt.Errorf("invalid channel id %q: %w", channelID, tracker.ErrNotFound)
	}
	sub, _, err := s.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, tracker.ErrNotFound
	}
	return sub, nil
}

// Exists reports whether channelID is tracked.
func (s *Store) Exists(ctx context.Context, channelID string) (bool, error) {
	_, err := s.Get(ctx, channelID)
	if errors.Is(err, tracker.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Update applies fn to the freshest copy of channelID and persists the result.
// fn receives nil when no record exists. A nil result, or one without destinations, deletes the record.
// Returning ErrUnchanged from fn skips the write. The record as stored afterwards is returned.
func (s *Store) Update(ctx context.Context, channelID string, fn func(*tracker.Subscription) (*tracker.Subscription, error)) (*tracker.Subscription, error) {
	key := SubscriptionKey(channelID)
	if key == "" {
		return nil, fmt.Errorf("invalid channel id %q", channelID)
	}

	unlock := s.lock(key)
	defer unlock()

	var result *tracker.Subscription
	var failure error
	fail := func(err error) error {
		failure = err
		return retry.Unrecoverable(err)
	}
	err := retry.Do(
		func() error {
			current, gen, err := s.load(ctx, key)
			if err != nil {
				return fail(err)
			}

			next, err := fn(current)
			if errors.Is(err, ErrUnchanged) {
				result = current
				return nil
			}
			if err != nil {
				return fail(err)
			}

			if next == nil || len(next.Destinations) == 0 {
				result = nil
				if gen == 0 {
					return nil
				}
				if err := s.backend.remove(ctx, key); err != nil {
					return fail(fmt.Errorf("delete subscription: %w", err))
				}
				s.logger.Info("Subscription deleted", "key", key)
				return nil
			}

			next.ID = channelID
			data, err := json.MarshalIndent(next, "", "  ")
			if err != nil {
				return fail(fmt.Errorf("marshal subscription: %w", err))
			}
			if err := s.backend.write(ctx, key, data, gen); err != nil {
				if errors.Is(err, errConflict) {
					return err
				}
				return fail(fmt.Errorf("write subscription: %w", err))
			}
			result = next
			s.logger.Debug("Subscription saved", "key", key, "destinations", len(next.Destinations))
			return nil
		},
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.MaxJitter(50*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying update after concurrent modification", "attempt", n, "key", key)
		}),
	)
	if failure != nil {
		return nil, failure
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, errConflict)
	}
	return result, nil
}

// Upsert stores sub under channelID, replacing whatever is there.
func (s *Store) Upsert(ctx context.Context, channelID string, sub *tracker.Subscription) error {
	_, err := s.Update(ctx, channelID, func(*tracker.Subscription) (*tracker.Subscription, error) {
		return sub, nil
	})
	return err
}

// Delete removes the subscription of channelID. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, channelID string) error {
	_, err := s.Update(ctx, channelID, func(current *tracker.Subscription) (*tracker.Subscription, error) {
		if current == nil {
			return nil, ErrUnchanged
		}
		return nil, nil
	})
	return err
}

// SetField assigns one field of an existing subscription.
func (s *Store) SetField(ctx context.Context, channelID string, path tracker.Path, value any) error {
	_, err := s.Update(ctx, channelID, func(current *tracker.Subscription) (*tracker.Subscription, error) {
		if current == nil {
			return nil, tracker.ErrNotFound
		}
		if err := current.Set(path, value); err != nil {
			return nil, err
		}
		return current, nil
	})
	return err
}

// ClearField resets one field of an existing subscription.
func (s *Store) ClearField(ctx context.Context, channelID string, path tracker.Path) error {
	_, err := s.Update(ctx, channelID, func(current *tracker.Subscription) (*tracker.Subscription, error) {
		if current == nil {
			return nil, tracker.ErrNotFound
		}
		if err := current.Clear(path); err != nil {
			return nil, err
		}
		return current, nil
	})
	return err
}

// List lists all subscriptions, ordered by channel ID.
func (s *Store) List(ctx context.Context) ([]*tracker.Subscription, error) {
	keys, err := s.backend.keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)

	subs := make([]*tracker.Subscription, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, keySuffix) {
			continue
		}
		sub, _, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", key, "error", err)
			continue
		}
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// Settings loads the global settings. Missing settings yield the zero value.
func (s *Store) Settings(ctx context.Context) (*tracker.Settings, error) {
	data, _, err := s.backend.read(ctx, settingsKey)
	if errors.Is(err, errNotExist) {
		return &tracker.Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	var st tracker.Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &st, nil
}

// UpdateSettings applies fn to the freshest settings and persists them.
func (s *Store) UpdateSettings(ctx context.Context, fn func(*tracker.Settings) error) error {
	unlock := s.lock(settingsKey)
	defer unlock()

	var failure error
	fail := func(err error) error {
		failure = err
		return retry.Unrecoverable(err)
	}
	err := retry.Do(
		func() error {
			st := &tracker.Settings{}
			data, gen, err := s.backend.read(ctx, settingsKey)
			switch {
			case errors.Is(err, errNotExist):
			case err != nil:
				return fail(fmt.Errorf("load settings: %w", err))
			default:
				if err := json.Unmarshal(data, st); err != nil {
					return fail(fmt.Errorf("unmarshal settings: %w", err))
				}
			}

			if err := fn(st); err != nil {
				return fail(err)
			}

			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fail(fmt.Errorf("marshal settings: %w", err))
			}
			if err := s.backend.write(ctx, settingsKey, out, gen); err != nil {
				if errors.Is(err, errConflict) {
					return err
				}
				return fail(fmt.Errorf("write settings: %w", err))
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errConflict)
		}),
	)
	if failure != nil {
		return failure
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("update settings: %w", errConflict)
	}
	return nil
}
