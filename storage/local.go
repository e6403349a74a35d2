package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// localBackend keeps one file per key in a directory. The generation is the file's modification time.
type localBackend struct {
	logger *slog.Logger
	dir    string
}

// NewLocal creates a store backed by a local directory.
func NewLocal(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return newStore(&localBackend{dir: dir, logger: logger}, logger), nil
}

func (b *localBackend) path(key string) string {
	return filepath.Join(b.dir, filepath.Base(key))
}

func (b *localBackend) generation(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

func (b *localBackend) read(_ context.Context, key string) ([]byte, int64, error) {
	path := b.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, errNotExist
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	gen, err := b.generation(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat local storage: %w", err)
	}
	if gen == 0 {
		// Removed between read and stat.
		return nil, 0, errNotExist
	}
	return data, gen, nil
}

func (b *localBackend) write(_ context.Context, key string, data []byte, generation int64) error {
	path := b.path(key)
	current, err := b.generation(path)
	if err != nil {
		return fmt.Errorf("stat local storage: %w", err)
	}
	if current != generation {
		return errConflict
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	b.logger.Debug("Object written to local storage", "path", path, "bytes", len(data))
	return nil
}

func (b *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (b *localBackend) keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

func (*localBackend) Close() error {
	return nil
}
