package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// flakyPlatform fails the first n sends with failure and every publish.
type flakyPlatform struct {
	*platform.Log
	failure  error
	failures int
	calls    int
}

func (f *flakyPlatform) Send(ctx context.Context, channelID string, msg *platform.Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.failure
	}
	return f.Log.Send(ctx, channelID, msg)
}

func (f *flakyPlatform) Publish(context.Context, string, string) error {
	return errors.New("publish rejected")
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	full := platform.Permissions{CanPost: true, CanEmbed: true, CanPublish: true}

	tests := []struct {
		name          string
		perms         platform.Permissions
		publish       bool
		wantSkipped   bool
		wantPublished bool
		wantSent      int
	}{
		{"plain send", full, false, false, false, 1},
		{"send and publish", full, true, false, true, 1},
		{"publish without capability", platform.Permissions{CanPost: true}, true, false, false, 1},
		{"no post permission", platform.Permissions{CanEmbed: true}, true, true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := platform.NewLog(testLogger())
			d := New(p, testLogger())
			ch := &platform.Channel{ID: "100", GuildID: "g", Perms: tt.perms}

			res, err := d.Send(ctx, ch, &tracker.Destination{Publish: tt.publish}, &platform.Message{Content: "hi"})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if res.Skipped != tt.wantSkipped || res.Published != tt.wantPublished {
				t.Errorf("Send() = %+v", res)
			}
			if got := len(p.Sent()); got != tt.wantSent {
				t.Errorf("sent %d messages, want %d", got, tt.wantSent)
			}
		})
	}
}

func TestSendRetriesAndSwallowsPublishFailure(t *testing.T) {
	p := &flakyPlatform{Log: platform.NewLog(testLogger()), failure: fmt.Errorf("rate limited: %w", platform.ErrNotDelivered), failures: 2}
	d := New(p, testLogger())
	d.delay = time.Millisecond
	ch := &platform.Channel{ID: "100", Perms: platform.Permissions{CanPost: true, CanPublish: true}}

	res, err := d.Send(context.Background(), ch, &tracker.Destination{Publish: true}, &platform.Message{Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if p.calls != 3 {
		t.Errorf("send attempts = %d, want 3", p.calls)
	}
	if res.MessageID == "" || res.Published {
		t.Errorf("Send() = %+v, want sent but not published", res)
	}
}

func TestSendAmbiguousFailureIsNotRetried(t *testing.T) {
	p := &flakyPlatform{Log: platform.NewLog(testLogger()), failure: errors.New("read response body: i/o timeout"), failures: 1}
	d := New(p, testLogger())
	d.delay = time.Millisecond
	ch := &platform.Channel{ID: "100", Perms: platform.Permissions{CanPost: true}}

	if _, err := d.Send(context.Background(), ch, &tracker.Destination{}, &platform.Message{Content: "hi"}); err == nil {
		t.Fatal("Send() error = nil, want the timeout")
	}
	if p.calls != 1 {
		t.Errorf("send attempts = %d, want 1", p.calls)
	}
	if n := len(p.Sent()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestSendGoneIsNotRetried(t *testing.T) {
	p := platform.NewLog(testLogger())
	p.FailSend("100", platform.ErrChannelGone)
	d := New(p, testLogger())
	d.delay = time.Millisecond
	ch := &platform.Channel{ID: "100", Perms: platform.Permissions{CanPost: true}}

	_, err := d.Send(context.Background(), ch, &tracker.Destination{}, &platform.Message{})
	if !errors.Is(err, platform.ErrChannelGone) {
		t.Fatalf("Send() error = %v, want ErrChannelGone", err)
	}
}
