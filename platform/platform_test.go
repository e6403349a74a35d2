package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/go-telegram/bot/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogPlatform(t *testing.T) {
	ctx := context.Background()
	l := NewLog(testLogger())

	ch, err := l.Channel(ctx, "123")
	if err != nil {
		t.Fatalf("Channel() error = %v", err)
	}
	if ch.GuildID != "123" || !ch.Perms.CanPost || !ch.Perms.CanPublish {
		t.Errorf("Channel() = %+v, want permissive default", ch)
	}

	l.AddChannel(Channel{ID: "456", GuildID: "g1", Perms: Permissions{CanPost: true}})
	ch, _ = l.Channel(ctx, "456")
	if ch.GuildID != "g1" || ch.Perms.CanEmbed {
		t.Errorf("Channel() = %+v, want registered channel", ch)
	}

	id, err := l.Send(ctx, "456", &Message{Content: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := l.Publish(ctx, "456", id); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	sent := l.Sent()
	if len(sent) != 1 || !sent[0].Published || sent[0].Message.Content != "hello" {
		t.Errorf("Sent() = %+v", sent)
	}

	l.RemoveChannel("456")
	if _, err := l.Channel(ctx, "456"); !errors.Is(err, ErrChannelGone) {
		t.Errorf("Channel() after removal error = %v, want ErrChannelGone", err)
	}

	boom := errors.New("boom")
	l.FailSend("123", boom)
	if _, err := l.Send(ctx, "123", &Message{}); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want %v", err, boom)
	}

	l.SetOwner("g1", "u1")
	owner, _ := l.GuildOwner(ctx, "g1")
	if owner != "u1" {
		t.Errorf("GuildOwner() = %q, want u1", owner)
	}
	if err := l.DirectMessage(ctx, owner, "notice"); err != nil {
		t.Fatalf("DirectMessage() error = %v", err)
	}
	if dms := l.DMs(); len(dms) != 1 || dms[0].UserID != "u1" {
		t.Errorf("DMs() = %+v", dms)
	}
}

func TestPermissionsFor(t *testing.T) {
	tests := []struct {
		name        string
		member      *models.ChatMember
		wantPost    bool
		wantPublish bool
		wantOK      bool
	}{
		{"owner", &models.ChatMember{Type: models.ChatMemberTypeOwner}, true, true, true},
		{"admin with pin", &models.ChatMember{Type: models.ChatMemberTypeAdministrator, Administrator: &models.ChatMemberAdministrator{CanPinMessages: true}}, true, true, true},
		{"admin without pin", &models.ChatMember{Type: models.ChatMemberTypeAdministrator, Administrator: &models.ChatMemberAdministrator{}}, true, false, true},
		{"member", &models.ChatMember{Type: models.ChatMemberTypeMember}, true, false, true},
		{"muted", &models.ChatMember{Type: models.ChatMemberTypeRestricted, Restricted: &models.ChatMemberRestricted{}}, false, false, true},
		{"left", &models.ChatMember{Type: models.ChatMemberTypeLeft}, false, false, false},
		{"banned", &models.ChatMember{Type: models.ChatMemberTypeBanned}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := permissionsFor(tt.member)
			if ok != tt.wantOK || p.CanPost != tt.wantPost || p.CanPublish != tt.wantPublish {
				t.Errorf("permissionsFor() = %+v, %v", p, ok)
			}
		})
	}
}

func TestIsGone(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"bad request, Bad Request: chat not found", true},
		{"forbidden, Forbidden: bot was kicked from the supergroup chat", true},
		{"too many requests, retry after 5", false},
		{"context deadline exceeded", false},
	}
	for _, tt := range tests {
		if got := isGone(errors.New(tt.err)); got != tt.want {
			t.Errorf("isGone(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNotDelivered(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"api rejection", errors.New("error response from telegram for method sendMessage, Too Many Requests: retry after 5"), true},
		{"bad status", errors.New("unexpected response statusCode 502 for method sendMessage, Bad Gateway"), true},
		{"dial failure", fmt.Errorf("error do request for method sendMessage, %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), true},
		{"read timeout", fmt.Errorf("error do request for method sendMessage, %w", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}), false},
		{"broken body", errors.New("error read response body for method sendMessage, unexpected EOF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := notDelivered(tt.err); got != tt.want {
				t.Errorf("notDelivered(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCaption(t *testing.T) {
	msg := &Message{
		Content: "@everyone New video from <Linus>",
		Card: &Card{
			Title:       "Fish & Chips",
			URL:         "https://youtu.be/abc",
			Author:      "Linus Tech Tips",
			Description: strings.Repeat("x", 700),
		},
	}
	got := caption(msg)
	if !strings.HasPrefix(got, "@everyone New video from &lt;Linus&gt;\n\n") {
		t.Errorf("caption() content not escaped: %q", got[:60])
	}
	if !strings.Contains(got, `<b><a href="https://youtu.be/abc">Fish &amp; Chips</a></b>`) {
		t.Errorf("caption() missing title link: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("caption() should truncate long descriptions")
	}
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Error("parseChatID() should reject non-numeric input")
	}
}
