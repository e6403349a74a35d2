package feed

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// ParseError indicates a 200 response whose body is not a readable feed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Entry is one video of a channel feed.
type Entry struct {
	Published time.Time
	Updated   time.Time
	VideoID   string
	Title     string
	Author    string
	Summary   string
	Thumbnail string
	Link      string
}

// URL returns the short link of the video.
func (e *Entry) URL() string {
	return "https://youtu.be/" + e.VideoID
}

// Feed is a parsed channel feed. Entries are newest first, as YouTube serves them.
type Feed struct {
	Published time.Time
	ChannelID string
	Title     string
	Entries   []*Entry
}

// Latest returns the publish time of the newest entry, or the feed's own publish time when it is empty.
func (f *Feed) Latest() time.Time {
	if len(f.Entries) > 0 {
		return f.Entries[0].Published
	}
	return f.Published
}

type atomFeed struct {
	XMLName   xml.Name    `xml:"feed"`
	ChannelID string      `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string      `xml:"title"`
	Published string      `xml:"published"`
	Entries   []atomEntry `xml:"entry"`
}

type atomEntry struct {
	VideoID   string     `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	Title     string     `xml:"title"`
	Author    atomAuthor `xml:"author"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Links     []atomLink `xml:"link"`
	Group     mediaGroup `xml:"http://search.yahoo.com/mrss/ group"`
}

type atomAuthor struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type mediaGroup struct {
	Description string         `xml:"http://search.yahoo.com/mrss/ description"`
	Thumbnail   mediaThumbnail `xml:"http://search.yahoo.com/mrss/ thumbnail"`
}

type mediaThumbnail struct {
	URL string `xml:"url,attr"`
}

// Parse decodes a YouTube Atom document.
func Parse(data []byte) (*Feed, error) {
	var af atomFeed
	if err := xml.Unmarshal(data, &af); err != nil {
		return nil, &ParseError{Err: err}
	}

	f := &Feed{
		ChannelID: af.ChannelID,
		Title:     strings.TrimSpace(af.Title),
		Published: parseTime(af.Published),
		Entries:   make([]*Entry, 0, len(af.Entries)),
	}

	for _, ae := range af.Entries {
		if ae.VideoID == "" {
			continue
		}
		e := &Entry{
			VideoID:   ae.VideoID,
			Title:     strings.TrimSpace(ae.Title),
			Author:    strings.TrimSpace(ae.Author.Name),
			Published: parseTime(ae.Published),
			Updated:   parseTime(ae.Updated),
			Summary:   strings.TrimSpace(ae.Group.Description),
			Thumbnail: ae.Group.Thumbnail.URL,
		}
		for _, l := range ae.Links {
			if l.Rel == "alternate" || l.Rel == "" {
				e.Link = l.Href
				break
			}
		}
		if e.Link == "" {
			e.Link = "https://www.youtube.com/watch?v=" + e.VideoID
		}
		f.Entries = append(f.Entries, e)
	}

	return f, nil
}

// parseTime reads YouTube's timestamps, e.g. 2024-03-01T17:00:08+00:00.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
