// Package resolver turns user input into canonical YouTube channel IDs.
package resolver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/api/youtube/v3"

	"youtube-notifier/pkg/tracker"
)

// Exister reports whether a channel is already tracked.
type Exister interface {
	Exists(ctx context.Context, channelID string) (bool, error)
}

// Resolver maps raw IDs and channel, video, or playlist URLs to channel IDs.
type Resolver struct {
	client   *http.Client
	logger   *slog.Logger
	store    Exister
	api      *youtube.Service // nil without an API key
	pageBase string           // Scheme and host that pages are fetched from
}

// New creates a resolver. api may be nil, in which case only page scraping is used.
func New(client *http.Client, store Exister, api *youtube.Service, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:   client,
		logger:   logger,
		store:    store,
		api:      api,
		pageBase: "https://www.youtube.com",
	}
}

// target is one interpretation of the input.
type target struct {
	channelID string // Set when the URL names the channel directly
	handle    string
	username  string
	custom    string // Legacy /c/ vanity path, only resolvable by scraping
	videoID   string
	listID    string
}

// Resolve returns the channel ID that input refers to.
// Inputs are tried as a channel, then a video, then a playlist; the first that yields an ID wins.
func (r *Resolver) Resolve(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", &tracker.ResolutionError{Input: input}
	}

	if tracker.ValidChannelID(input) {
		if r.store != nil {
			exists, err := r.store.Exists(ctx, input)
			if err != nil {
				r.logger.Warn("Failed to check existing subscription", "channel_id", input, "error", err)
			}
			if exists {
				return input, nil
			}
		}
		input = "https://www.youtube.com/channel/" + input
	}

	t, ok := parseInput(input)
	if !ok {
		r.logger.Info("Input is not a YouTube URL", "input", input)
		return "", &tracker.ResolutionError{Input: input}
	}

	lookups := []struct {
		kind string
		fn   func(context.Context, target) (string, error)
	}{
		{"channel", r.channel},
		{"video", r.video},
		{"playlist", r.playlist},
	}
	for _, l := range lookups {
		id, err := l.fn(ctx, t)
		if err != nil {
			r.logger.Debug("Interpretation failed", "kind", l.kind, "input", input, "error", err)
			continue
		}
		if tracker.ValidChannelID(id) {
			r.logger.Info("Resolved channel", "input", input, "kind", l.kind, "channel_id", id)
			return id, nil
		}
	}

	return "", &tracker.ResolutionError{Input: input}
}

// parseInput classifies a YouTube URL. A bare @handle is accepted as well.
func parseInput(input string) (target, bool) {
	var t target
	if strings.HasPrefix(input, "@") && !strings.ContainsAny(input, "/?") {
		t.handle = input
		return t, true
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return t, false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch host {
	case "youtu.be":
		if segments[0] == "" {
			return t, false
		}
		t.videoID = segments[0]
		t.listID = u.Query().Get("list")
		return t, true
	case "youtube.com", "m.youtube.com", "music.youtube.com":
	default:
		return t, false
	}

	q := u.Query()
	t.videoID = q.Get("v")
	t.listID = q.Get("list")

	if len(segments) >= 1 {
		first := segments[0]
		switch {
		case strings.HasPrefix(first, "@"):
			t.handle = first
		case len(segments) >= 2 && first == "channel":
			t.channelID = segments[1]
		case len(segments) >= 2 && first == "user":
			t.username = segments[1]
		case len(segments) >= 2 && first == "c":
			t.custom = segments[1]
		case len(segments) >= 2 && (first == "shorts" || first == "live" || first == "embed"):
			t.videoID = segments[1]
		}
	}

	if t == (target{}) {
		return t, false
	}
	return t, true
}

// pagePath returns the path of the channel page for t, or "" if t is not a channel.
func (t target) pagePath() string {
	switch {
	case t.channelID != "":
		return "/channel/" + url.PathEscape(t.channelID)
	case t.handle != "":
		return "/" + url.PathEscape(t.handle)
	case t.username != "":
		return "/user/" + url.PathEscape(t.username)
	case t.custom != "":
		return "/c/" + url.PathEscape(t.custom)
	}
	return ""
}
