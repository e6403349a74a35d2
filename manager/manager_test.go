package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
	"youtube-notifier/storage"
)

const (
	chanA = "UCXuqSBlHAE6Xw-yeJA0Tunw"
	chanB = "UCabcdefghijklmnopqrstuw"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// idResolver accepts raw channel IDs only.
type idResolver struct{}

func (idResolver) Resolve(_ context.Context, input string) (string, error) {
	if tracker.ValidChannelID(input) {
		return input, nil
	}
	return "", &tracker.ResolutionError{Input: input}
}

type fakeFetcher struct {
	feeds map[string]string
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) ([]byte, error) {
	f.calls++
	body, ok := f.feeds[id]
	if !ok {
		return nil, errors.New("no feed")
	}
	return []byte(body), nil
}

func feedXML(title string, n int) string {
	var b strings.Builder
	b.WriteString(`<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">`)
	fmt.Fprintf(&b, "<title>%s</title><published>2015-06-01T00:00:00+00:00</published>", title)
	for i := n; i >= 1; i-- {
		fmt.Fprintf(&b, "<entry><yt:videoId>v%d</yt:videoId><title>Video %d</title><published>%s</published></entry>",
			i, i, base.Add(time.Duration(i)*time.Hour).Format(time.RFC3339))
	}
	b.WriteString("</feed>")
	return b.String()
}

type fixture struct {
	manager  *Manager
	store    *storage.Store
	platform *platform.Log
	fetcher  *fakeFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	store, err := storage.NewLocal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	p := platform.NewLog(logger)
	full := platform.Permissions{CanPost: true, CanEmbed: true, CanPublish: true}
	p.AddChannel(platform.Channel{ID: "c1", GuildID: "g1", Perms: full})
	p.AddChannel(platform.Channel{ID: "c2", GuildID: "g1", Perms: platform.Permissions{CanPost: true}})
	p.AddChannel(platform.Channel{ID: "c3", GuildID: "g2", Perms: full})
	p.AddChannel(platform.Channel{ID: "readonly", GuildID: "g1"})

	f := &fakeFetcher{feeds: map[string]string{
		chanA: feedXML("Linus Tech Tips", 8),
		chanB: feedXML("Quiet Channel", 0),
	}}
	m := New(idResolver{}, f, store, p, logger)
	m.now = func() time.Time { return base }
	return &fixture{manager: m, store: store, platform: p, fetcher: f}
}

func (fx *fixture) get(t *testing.T, id string) *tracker.Subscription {
	t.Helper()
	sub, err := fx.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return sub
}

func TestSubscribeSeedsNewChannel(t *testing.T) {
	fx := newFixture(t)

	sub, err := fx.manager.Subscribe(context.Background(), chanA, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.Name != "Linus Tech Tips" {
		t.Errorf("Name = %q", sub.Name)
	}
	if want := base.Add(8 * time.Hour); !sub.LastPublishedAt.Equal(want) {
		t.Errorf("LastPublishedAt = %v, want %v", sub.LastPublishedAt, want)
	}
	if got := strings.Join(sub.ProcessedIDs, ","); got != "v8,v7,v6,v5,v4,v3" {
		t.Errorf("ProcessedIDs = %s", got)
	}
	if d := fx.get(t, chanA).Destinations["c1"]; d == nil || d.Guild != "g1" || !d.CreatedAt.Equal(base) {
		t.Errorf("destination = %+v", d)
	}
}

func TestSubscribeEmptyFeed(t *testing.T) {
	fx := newFixture(t)

	sub, err := fx.manager.Subscribe(context.Background(), chanB, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if want := time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC); !sub.LastPublishedAt.Equal(want) {
		t.Errorf("LastPublishedAt = %v, want feed published %v", sub.LastPublishedAt, want)
	}
	if len(sub.ProcessedIDs) != 0 {
		t.Errorf("ProcessedIDs = %v, want empty", sub.ProcessedIDs)
	}
}

func TestSubscribeReusesStoredState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	stored := &tracker.Subscription{
		Name:            "Stored Name",
		LastPublishedAt: base.Add(-48 * time.Hour),
		ProcessedIDs:    []string{"old"},
		Destinations:    map[string]*tracker.Destination{"c3": {Guild: "g2"}},
	}
	if err := fx.store.Upsert(ctx, chanA, stored); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	sub, err := fx.manager.Subscribe(ctx, chanA, "c1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if fx.fetcher.calls != 0 {
		t.Errorf("fetched %d times for a tracked channel", fx.fetcher.calls)
	}
	if sub.Name != "Stored Name" || !sub.LastPublishedAt.Equal(stored.LastPublishedAt) || len(sub.Destinations) != 2 {
		t.Errorf("Subscribe() = %+v", sub)
	}
}

func TestSubscribeErrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if _, err := fx.manager.Subscribe(ctx, chanA, "c1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	fx.platform.RemoveChannel("deleted")

	tests := []struct {
		name  string
		input string
		dest  string
		check func(error) bool
	}{
		{"already subscribed", chanA, "c1", func(err error) bool { return errors.Is(err, tracker.ErrAlreadySubscribed) }},
		{"no post permission", chanA, "readonly", tracker.IsPermissionError},
		{"unresolvable input", "not a channel", "c1", tracker.IsResolutionError},
		{"gone destination", chanA, "deleted", func(err error) bool { return errors.Is(err, platform.ErrChannelGone) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.manager.Subscribe(ctx, tt.input, tt.dest)
			if !tt.check(err) {
				t.Errorf("Subscribe() error = %v", err)
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("one of several", func(t *testing.T) {
		fx := newFixture(t)
		for _, dest := range []string{"c1", "c2"} {
			if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}
		}
		res, err := fx.manager.Unsubscribe(ctx, chanA, "g1", "c1")
		if err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		if len(res.Destinations) != 1 || res.Destinations[0] != "c1" || res.Name != "Linus Tech Tips" {
			t.Errorf("Unsubscribe() = %+v", res)
		}
		sub := fx.get(t, chanA)
		if _, ok := sub.Destinations["c2"]; !ok || len(sub.Destinations) != 1 {
			t.Errorf("destinations = %v, want only c2", sub.Destinations)
		}
	})

	t.Run("last destination deletes", func(t *testing.T) {
		fx := newFixture(t)
		if _, err := fx.manager.Subscribe(ctx, chanA, "c1"); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if _, err := fx.manager.Unsubscribe(ctx, chanA, "g1", "c1"); err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		if _, err := fx.store.Get(ctx, chanA); !errors.Is(err, tracker.ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("whole guild", func(t *testing.T) {
		fx := newFixture(t)
		for _, dest := range []string{"c1", "c2", "c3"} {
			if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}
		}
		res, err := fx.manager.Unsubscribe(ctx, chanA, "g1", "")
		if err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		if strings.Join(res.Destinations, ",") != "c1,c2" {
			t.Errorf("removed %v, want [c1 c2]", res.Destinations)
		}
		if sub := fx.get(t, chanA); len(sub.Destinations) != 1 {
			t.Errorf("destinations = %v, want only c3", sub.Destinations)
		}
	})

	t.Run("not found", func(t *testing.T) {
		fx := newFixture(t)
		if _, err := fx.manager.Subscribe(ctx, chanA, "c3"); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		for _, dest := range []string{"c1", "c3"} {
			if _, err := fx.manager.Unsubscribe(ctx, chanA, "g1", dest); !errors.Is(err, tracker.ErrNotFound) {
				t.Errorf("Unsubscribe(%s) error = %v, want ErrNotFound", dest, err)
			}
		}
		if _, err := fx.manager.Unsubscribe(ctx, chanB, "g1", ""); !errors.Is(err, tracker.ErrNotFound) {
			t.Errorf("Unsubscribe(untracked) error = %v, want ErrNotFound", err)
		}
	})
}

type bogusOption struct{}

func (bogusOption) Path(destination string) tracker.Path {
	return tracker.Path{Destination: destination, Field: tracker.FieldMessage}
}

func (bogusOption) Value() (any, bool) { return nil, false }

func TestSetOption(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	for _, dest := range []string{"c1", "c2"} {
		if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	template := "{title} by {author} {link}"
	badTemplate := "{title} {views}"
	yes := true
	role := tracker.ParseMention("12345")

	tests := []struct {
		name  string
		dest  string
		opt   tracker.Option
		check func(*testing.T, error, *tracker.Destination)
	}{
		{"set message", "c1", tracker.MessageOption{Template: &template}, func(t *testing.T, err error, d *tracker.Destination) {
			if err != nil || d.Message == nil || *d.Message != template {
				t.Errorf("err=%v message=%v", err, d.Message)
			}
		}},
		{"reject unknown placeholder", "c1", tracker.MessageOption{Template: &badTemplate}, func(t *testing.T, err error, d *tracker.Destination) {
			if !tracker.IsTemplateError(err) || *d.Message != template {
				t.Errorf("err=%v message=%v", err, d.Message)
			}
		}},
		{"clear message", "c1", tracker.MessageOption{}, func(t *testing.T, err error, d *tracker.Destination) {
			if err != nil || d.Message != nil {
				t.Errorf("err=%v message=%v", err, d.Message)
			}
		}},
		{"set mention", "c1", tracker.MentionOption{Target: &role}, func(t *testing.T, err error, d *tracker.Destination) {
			if err != nil || d.Mention == nil || d.Mention.Role != "12345" {
				t.Errorf("err=%v mention=%v", err, d.Mention)
			}
		}},
		{"set plain", "c1", tracker.PlainOption{Enabled: &yes}, func(t *testing.T, err error, d *tracker.Destination) {
			if err != nil || !d.Plain {
				t.Errorf("err=%v plain=%v", err, d.Plain)
			}
		}},
		{"publish with capability", "c1", tracker.PublishOption{Enabled: &yes}, func(t *testing.T, err error, d *tracker.Destination) {
			if err != nil || !d.Publish {
				t.Errorf("err=%v publish=%v", err, d.Publish)
			}
		}},
		{"publish without capability", "c2", tracker.PublishOption{Enabled: &yes}, func(t *testing.T, err error, d *tracker.Destination) {
			if !tracker.IsPermissionError(err) || d.Publish {
				t.Errorf("err=%v publish=%v", err, d.Publish)
			}
		}},
		{"unknown option", "c1", bogusOption{}, func(t *testing.T, err error, _ *tracker.Destination) {
			if !errors.Is(err, tracker.ErrUnknownOption) {
				t.Errorf("err=%v, want ErrUnknownOption", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fx.manager.SetOption(ctx, chanA, "g1", tt.dest, tt.opt)
			tt.check(t, err, fx.get(t, chanA).Destinations[tt.dest])
		})
	}

	// Sibling destinations are untouched.
	if d := fx.get(t, chanA).Destinations["c2"]; d.Mention != nil || d.Plain || d.Message != nil {
		t.Errorf("c2 changed: %+v", d)
	}
	if err := fx.manager.SetOption(ctx, chanA, "g2", "c1", tracker.PlainOption{}); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("SetOption() from another guild error = %v, want ErrNotFound", err)
	}
}

func TestSetOptionWholeGuild(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	for _, dest := range []string{"c1", "c2", "c3"} {
		if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", dest, err)
		}
	}

	template := "{title} is live"
	if err := fx.manager.SetOption(ctx, chanA, "g1", "", tracker.MessageOption{Template: &template}); err != nil {
		t.Fatalf("SetOption() error = %v", err)
	}
	sub := fx.get(t, chanA)
	for _, dest := range []string{"c1", "c2"} {
		if d := sub.Destinations[dest]; d.Message == nil || *d.Message != template {
			t.Errorf("%s message = %v, want %q", dest, d.Message, template)
		}
	}
	if d := sub.Destinations["c3"]; d.Message != nil {
		t.Errorf("c3 in another guild changed: message = %q", *d.Message)
	}

	// c2 cannot publish, so nothing in g1 is enabled.
	yes := true
	if err := fx.manager.SetOption(ctx, chanA, "g1", "", tracker.PublishOption{Enabled: &yes}); !tracker.IsPermissionError(err) {
		t.Errorf("SetOption(publish) error = %v, want PermissionError", err)
	}
	if d := fx.get(t, chanA).Destinations["c1"]; d.Publish {
		t.Error("c1 publish enabled despite the failed guild-wide update")
	}

	if err := fx.manager.SetOption(ctx, chanA, "g9", "", tracker.PlainOption{Enabled: &yes}); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("SetOption() for a guild without destinations error = %v, want ErrNotFound", err)
	}
}

func TestTogglePublish(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	for _, dest := range []string{"c1", "c2"} {
		if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	for _, want := range []bool{true, false} {
		got, err := fx.manager.TogglePublish(ctx, chanA, "g1", "c1")
		if err != nil || got != want {
			t.Errorf("TogglePublish() = %v, %v; want %v", got, err, want)
		}
	}
	if _, err := fx.manager.TogglePublish(ctx, chanA, "g1", "c2"); !tracker.IsPermissionError(err) {
		t.Errorf("TogglePublish() without capability error = %v", err)
	}
}

func TestListAndPages(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	for _, s := range []struct{ id, dest string }{{chanA, "c1"}, {chanB, "c1"}, {chanB, "c2"}, {chanA, "c3"}} {
		if _, err := fx.manager.Subscribe(ctx, s.id, s.dest); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	yes := true
	if err := fx.manager.SetOption(ctx, chanA, "g1", "c1", tracker.PlainOption{Enabled: &yes}); err != nil {
		t.Fatalf("SetOption() error = %v", err)
	}

	groups, err := fx.manager.List(ctx, "g1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(groups) != 2 || groups[0].Destination != "c1" || groups[1].Destination != "c2" {
		t.Fatalf("List() = %+v", groups)
	}
	first := groups[0].Subscriptions
	if len(first) != 2 || first[0].ChannelID != chanA || first[0].Tags != tagPlain {
		t.Errorf("c1 listing = %+v, want newest watermark first with plain tag", first)
	}

	pages := Pages(groups, 0)
	if len(pages) != 1 {
		t.Fatalf("Pages() = %d pages, want 1", len(pages))
	}
	for _, want := range []string{"2 YouTube subscriptions for c1", "1 YouTube subscription for c2", chanB} {
		if !strings.Contains(pages[0], want) {
			t.Errorf("page missing %q:\n%s", want, pages[0])
		}
	}

	small := Pages(groups, 80)
	if len(small) < 2 {
		t.Errorf("Pages(80) = %d pages, want several", len(small))
	}
	for _, p := range small {
		if len(p) > 80 {
			t.Errorf("page of %d bytes exceeds limit", len(p))
		}
	}
}

func TestInfo(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	if _, err := fx.manager.Subscribe(ctx, chanA, "c1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := fx.manager.Subscribe(ctx, chanA, "c3"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	everyone := tracker.ParseMention("everyone")
	if err := fx.manager.SetOption(ctx, chanA, "g1", "c1", tracker.MentionOption{Target: &everyone}); err != nil {
		t.Fatalf("SetOption() error = %v", err)
	}

	info, err := fx.manager.Info(ctx, chanA, "g1")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if len(info.Destinations) != 1 || info.Destinations[0].ID != "c1" || info.Destinations[0].Mention != "@everyone" {
		t.Errorf("Info() destinations = %+v", info.Destinations)
	}
	if info.URL != "https://www.youtube.com/channel/"+chanA {
		t.Errorf("URL = %q", info.URL)
	}

	if _, err := fx.manager.Info(ctx, chanB, "g1"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("Info(untracked) error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	for _, dest := range []string{"c1", "c3"} {
		if _, err := fx.manager.Subscribe(ctx, chanA, dest); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	res, err := fx.manager.Delete(ctx, chanA)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if strings.Join(res.Destinations, ",") != "c1,c3" {
		t.Errorf("Delete() = %+v", res)
	}
	if _, err := fx.manager.Delete(ctx, chanA); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.platform.RemoveChannel("gone")
	if _, err := fx.manager.Subscribe(ctx, chanB, "c1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	export := `[
	 {"` + chanA + `": {"name": "Linus Tech Tips", "updated": 1709312408, "processed": ["a", "b"],
	   "discord": {
	     "c1": {"message": "%author% dropped %title%", "mention": "g1", "publish": true},
	     "c2": {"message": false, "mention": 777, "publish": true},
	     "gone": {"publish": false}}}},
	 {"` + chanB + `": {"name": "Quiet", "updated": 1, "processed": [], "discord": {"c1": {"publish": false}}}},
	 {"not-a-channel": {"name": "x", "discord": {"c1": {}}}}
	]`

	res, err := fx.manager.Migrate(ctx, []byte(export))
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if res.Channels != 1 || res.Destinations != 2 || res.Skipped != 2 {
		t.Errorf("Migrate() = %+v", res)
	}

	sub := fx.get(t, chanA)
	if want := time.Unix(1709312408, 0); !sub.LastPublishedAt.Equal(want) {
		t.Errorf("LastPublishedAt = %v, want %v", sub.LastPublishedAt, want)
	}
	c1 := sub.Destinations["c1"]
	if c1 == nil || c1.Message == nil || *c1.Message != "{author} dropped {title}" {
		t.Fatalf("c1 = %+v", c1)
	}
	if c1.Mention == nil || c1.Mention.Kind != tracker.MentionEveryone || !c1.Publish || c1.Guild != "g1" {
		t.Errorf("c1 = %+v", c1)
	}
	c2 := sub.Destinations["c2"]
	if c2 == nil || c2.Message != nil || c2.Mention == nil || c2.Mention.Role != "777" || c2.Publish {
		t.Errorf("c2 = %+v", c2)
	}

	if _, err := fx.manager.Migrate(ctx, []byte("{")); err == nil {
		t.Error("Migrate() accepted invalid JSON")
	}
}
