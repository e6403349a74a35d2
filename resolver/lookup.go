package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"youtube-notifier/pkg/tracker"
)

var (
	errNoChannel = errors.New("no channel id found")

	channelIDJSON  = regexp.MustCompile(`"channelId":"(UC[-_A-Za-z0-9]{21}[AQgw])"`)
	externalIDJSON = regexp.MustCompile(`"externalId":"(UC[-_A-Za-z0-9]{21}[AQgw])"`)
	browseIDJSON   = regexp.MustCompile(`"browseId":"(UC[-_A-Za-z0-9]{21}[AQgw])"`)
	channelPath    = regexp.MustCompile(`/channel/(UC[-_A-Za-z0-9]{21}[AQgw])`)
)

// NewAPI creates a YouTube Data API client authenticated by an API key.
func NewAPI(ctx context.Context, apiKey string, opts ...option.ClientOption) (*youtube.Service, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

func (r *Resolver) channel(ctx context.Context, t target) (string, error) {
	if t.channelID != "" {
		if !tracker.ValidChannelID(t.channelID) {
			return "", fmt.Errorf("malformed channel id %q", t.channelID)
		}
		return t.channelID, nil
	}
	path := t.pagePath()
	if path == "" {
		return "", errNoChannel
	}

	if r.api != nil && (t.handle != "" || t.username != "") {
		call := r.api.Channels.List([]string{"id"}).Context(ctx)
		if t.handle != "" {
			call = call.ForHandle(t.handle)
		} else {
			call = call.ForUsername(t.username)
		}
		resp, err := call.Do()
		switch {
		case err != nil:
			r.logger.Warn("YouTube API channel lookup failed, falling back to page", "path", path, "error", err)
		case len(resp.Items) > 0:
			return resp.Items[0].Id, nil
		}
	}

	return r.scrape(ctx, path, channelPatterns)
}

func (r *Resolver) video(ctx context.Context, t target) (string, error) {
	if t.videoID == "" {
		return "", errNoChannel
	}

	if r.api != nil {
		resp, err := r.api.Videos.List([]string{"snippet"}).Id(t.videoID).Context(ctx).Do()
		switch {
		case err != nil:
			r.logger.Warn("YouTube API video lookup failed, falling back to page", "video_id", t.videoID, "error", err)
		case len(resp.Items) > 0 && resp.Items[0].Snippet != nil:
			return resp.Items[0].Snippet.ChannelId, nil
		}
	}

	return r.scrape(ctx, "/watch?v="+url.QueryEscape(t.videoID), channelPatterns)
}

func (r *Resolver) playlist(ctx context.Context, t target) (string, error) {
	if t.listID == "" {
		return "", errNoChannel
	}

	if r.api != nil {
		resp, err := r.api.Playlists.List([]string{"snippet"}).Id(t.listID).Context(ctx).Do()
		switch {
		case err != nil:
			r.logger.Warn("YouTube API playlist lookup failed, falling back to page", "list_id", t.listID, "error", err)
		case len(resp.Items) > 0 && resp.Items[0].Snippet != nil:
			return resp.Items[0].Snippet.ChannelId, nil
		}
	}

	return r.scrape(ctx, "/playlist?list="+url.QueryEscape(t.listID), playlistPatterns)
}

// pattern extracts a channel ID from a parsed page, returning "" when absent.
type pattern func(doc *goquery.Document, raw string) string

var channelPatterns = []pattern{metaChannelID, canonicalChannelID, jsonMatch(channelIDJSON), jsonMatch(externalIDJSON)}

// Playlist pages mention many channels; the owner is the first browse endpoint.
var playlistPatterns = []pattern{jsonMatch(browseIDJSON), jsonMatch(channelIDJSON)}

func metaChannelID(doc *goquery.Document, _ string) string {
	id, _ := doc.Find(`meta[itemprop="channelId"]`).First().Attr("content")
	if id == "" {
		id, _ = doc.Find(`meta[itemprop="identifier"]`).First().Attr("content")
	}
	return id
}

func canonicalChannelID(doc *goquery.Document, _ string) string {
	href, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if href == "" {
		href, _ = doc.Find(`meta[property="og:url"]`).First().Attr("content")
	}
	if m := channelPath.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func jsonMatch(re *regexp.Regexp) pattern {
	return func(_ *goquery.Document, raw string) string {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
		return ""
	}
}

// scrape fetches a YouTube page and applies patterns in order.
func (r *Resolver) scrape(ctx context.Context, path string, patterns []pattern) (string, error) {
	pageURL := r.pageBase + path
	var id string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			// Skips the EU consent interstitial.
			req.Header.Set("Cookie", "CONSENT=YES+1")

			startTime := time.Now()
			resp, err := r.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				r.logger.Warn("HTTP request failed, will retry", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					r.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			r.logger.Debug("HTTP request completed", "url", pageURL, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode >= 500 {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			raw := string(body)
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse page: %w", err))
			}
			for _, p := range patterns {
				if found := p(doc, raw); tracker.ValidChannelID(found) {
					id = found
					return nil
				}
			}
			return retry.Unrecoverable(errNoChannel)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("Retrying page fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", pageURL, err)
	}
	return id, nil
}
