package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"youtube-notifier/config"
	"youtube-notifier/platform"
)

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()

	tests := []struct {
		name  string
		cfg   config.Config
		wants string // file or directory expected afterwards
	}{
		{"local", config.Config{LocalStorage: filepath.Join(dir, "data")}, filepath.Join(dir, "data")},
		{"sqlite", config.Config{SQLitePath: filepath.Join(dir, "db", "subs.db"), LocalStorage: filepath.Join(dir, "unused")}, filepath.Join(dir, "db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(context.Background(), &tt.cfg, logger)
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer store.Close()

			if _, err := os.Stat(tt.wants); err != nil {
				t.Errorf("expected %s to exist: %v", tt.wants, err)
			}
			if _, err := store.List(context.Background()); err != nil {
				t.Errorf("List() error = %v", err)
			}
		})
	}
}

func TestOpenPlatformWithoutToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	p, err := openPlatform(context.Background(), &config.Config{}, logger)
	if err != nil {
		t.Fatalf("openPlatform() error = %v", err)
	}
	if _, ok := p.(*platform.Log); !ok {
		t.Errorf("openPlatform() = %T, want *platform.Log", p)
	}
}
