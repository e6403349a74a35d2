// Package feed fetches and parses YouTube channel feeds.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	feedURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	maxFeedBytes    = 4 << 20
)

// ConnectionError indicates the request never produced an HTTP response.
type ConnectionError struct {
	ChannelID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.ChannelID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// HTTPError indicates the feed endpoint answered with a non-200 status.
type HTTPError struct {
	ChannelID  string
	Reason     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch feed %s: HTTP %d %s", e.ChannelID, e.StatusCode, e.Reason)
}

// IsRateLimited reports whether the status signals throttling or a ban.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusForbidden
}

// IsConnectionError checks if an error is a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// AsHTTPError returns the HTTPError wrapped in err, if any.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// Fetcher retrieves raw feed documents. It makes exactly one attempt per call.
type Fetcher struct {
	client  *http.Client
	logger  *slog.Logger
	feedURL string // Format string taking the channel ID
}

// New creates a new feed fetcher.
func New(client *http.Client, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		logger:  logger,
		feedURL: feedURLTemplate,
	}
}

// Fetch downloads the feed of channelID.
func (f *Fetcher) Fetch(ctx context.Context, channelID string) ([]byte, error) {
	feedURL := fmt.Sprintf(f.feedURL, channelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
	if err != nil {
		return nil, &ConnectionError{ChannelID: channelID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/atom+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	startTime := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Debug("Feed request failed", "channel_id", channelID, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &ConnectionError{ChannelID: channelID, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("Feed request completed",
		"channel_id", channelID,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			ChannelID:  channelID,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &ConnectionError{ChannelID: channelID, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
