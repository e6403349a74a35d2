// Package compose renders feed entries into chat messages.
package compose

import (
	"regexp"
	"strings"
	"time"

	"youtube-notifier/feed"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

// DefaultTemplate is used when a destination has no custom message.
const DefaultTemplate = "New video from {author}: {title}"

const timeLayout = "2006-01-02 15:04 UTC"

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_]+)\}`)

var placeholders = map[string]bool{
	"author":    true,
	"title":     true,
	"published": true,
	"updated":   true,
	"summary":   true,
	"link":      true,
	"mention":   true,
}

// Options carries what the destination can render.
type Options struct {
	Rich bool // Destination accepts cards and has not asked for plain links
}

// Validate rejects templates that use placeholders Compose does not know.
func Validate(template string) error {
	for _, m := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		if !placeholders[m[1]] {
			return &tracker.TemplateError{Placeholder: m[1]}
		}
	}
	return nil
}

// MentionText returns the chat syntax that pings m, or "" for nil.
func MentionText(m *tracker.Mention) string {
	if m == nil {
		return ""
	}
	switch m.Kind {
	case tracker.MentionEveryone:
		return "@everyone"
	case tracker.MentionHere:
		return "@here"
	case tracker.MentionRole:
		if m.Role == "" {
			return ""
		}
		return "<@&" + m.Role + ">"
	}
	return ""
}

// Compose builds the message announcing e at a destination configured as d.
func Compose(e *feed.Entry, d *tracker.Destination, opts Options) *platform.Message {
	template := DefaultTemplate
	if d.Message != nil && *d.Message != "" {
		template = *d.Message
	}

	mention := MentionText(d.Mention)
	values := map[string]string{
		"author":    e.Author,
		"title":     e.Title,
		"published": formatTime(e.Published),
		"updated":   formatTime(e.Updated),
		"summary":   e.Summary,
		"link":      e.URL(),
		"mention":   mention,
	}

	body := placeholderRegex.ReplaceAllStringFunc(template, func(token string) string {
		if v, ok := values[token[1:len(token)-1]]; ok {
			return v
		}
		return token
	})
	body = strings.TrimSpace(body)

	if mention != "" && !strings.Contains(template, "{mention}") {
		body = mention + " " + body
	}

	msg := &platform.Message{Content: body}
	if d.Mention != nil && mention != "" {
		m := *d.Mention
		msg.Mention = &m
	}

	if opts.Rich {
		msg.Card = &platform.Card{
			Title:       e.Title,
			URL:         e.URL(),
			Thumbnail:   e.Thumbnail,
			Author:      e.Author,
			Description: e.Summary,
			Timestamp:   e.Published,
		}
		return msg
	}

	if !strings.Contains(template, "{link}") {
		msg.Content = body + "\n" + e.URL()
	}
	return msg
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
