// Package dispatch delivers composed messages to destinations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

// Result describes what happened to one delivery.
type Result struct {
	MessageID string
	Skipped   bool // No post permission, nothing was sent
	Published bool
}

// Dispatcher sends messages through a platform.
type Dispatcher struct {
	platform platform.Platform
	logger   *slog.Logger
	delay    time.Duration // Base delay between send attempts
}

// New creates a new dispatcher.
func New(p platform.Platform, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{platform: p, logger: logger, delay: time.Second}
}

// Send posts msg to ch and publishes it when d asks for it and ch allows it.
// Only sends the platform marks as not delivered are retried.
// A publish failure is logged and does not fail the send.
func (d *Dispatcher) Send(ctx context.Context, ch *platform.Channel, dest *tracker.Destination, msg *platform.Message) (*Result, error) {
	if !ch.Perms.CanPost {
		d.logger.Warn("Not allowed to post to destination", "destination", ch.ID, "guild", ch.GuildID)
		return &Result{Skipped: true}, nil
	}

	var msgID string
	gone := false
	err := retry.Do(
		func() error {
			id, err := d.platform.Send(ctx, ch.ID, msg)
			if err != nil {
				if errors.Is(err, platform.ErrChannelGone) {
					gone = true
					return retry.Unrecoverable(err)
				}
				// The host may have posted the message already.
				if !errors.Is(err, platform.ErrNotDelivered) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			msgID = id
			return nil
		},
		retry.Attempts(3),
		retry.Delay(d.delay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(d.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying send after error", "attempt", n, "destination", ch.ID, "error", err)
		}),
	)
	if gone {
		return nil, fmt.Errorf("send to %s: %w", ch.ID, platform.ErrChannelGone)
	}
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", ch.ID, err)
	}

	res := &Result{MessageID: msgID}
	if !dest.Publish {
		return res, nil
	}
	if !ch.Perms.CanPublish {
		d.logger.Warn("Can't publish, destination lacks the capability", "destination", ch.ID)
		return res, nil
	}
	if err := d.platform.Publish(ctx, ch.ID, msgID); err != nil {
		d.logger.Warn("Failed to publish message", "destination", ch.ID, "message_id", msgID, "error", err)
		return res, nil
	}
	res.Published = true
	return res, nil
}
