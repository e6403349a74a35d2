package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"youtube-notifier/pkg/tracker"
)

const (
	// MinInterval is the shortest allowed poll interval.
	MinInterval = 60 * time.Second
	// DefaultInterval is used when no interval has been configured.
	DefaultInterval = 5 * time.Minute
)

// Interval returns the current poll interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval persists a new poll interval and reschedules the running loop.
// Values below MinInterval are raised to it. The applied interval is returned.
func (m *Monitor) SetInterval(ctx context.Context, d time.Duration) (time.Duration, error) {
	d = max(d, MinInterval)
	err := m.store.UpdateSettings(ctx, func(s *tracker.Settings) error {
		s.Interval = int(d / time.Second)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save interval: %w", err)
	}

	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()

	select {
	case m.reset <- struct{}{}:
	default:
	}
	m.logger.Info("Poll interval changed", "interval", d.String())
	return d, nil
}

// LoadInterval applies a previously persisted interval, if any.
func (m *Monitor) LoadInterval(ctx context.Context) error {
	s, err := m.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if s.Interval <= 0 {
		return nil
	}
	d := max(time.Duration(s.Interval)*time.Second, MinInterval)
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	return nil
}

// Run checks all subscriptions every interval until ctx is done.
// Nothing happens before ready is closed, so the host can finish connecting first.
func (m *Monitor) Run(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("Poller started", "interval", m.Interval().String())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Poller stopped")
			return ctx.Err()
		case <-m.reset:
			timer.Reset(m.Interval())
		case <-timer.C:
			interval := m.Interval()
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			if err := m.CheckAll(tickCtx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrCheckRunning) {
				m.logger.Error("Poll check failed", "error", err)
			}
			cancel()
			timer.Reset(m.Interval())
		}
	}
}
