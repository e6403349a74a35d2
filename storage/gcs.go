package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsBackend keeps one object per key in a Cloud Storage bucket.
// Writes are conditioned on the object generation.
type gcsBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a store backed by a Cloud Storage bucket.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *Store {
	return newStore(&gcsBackend{client: client, bucket: bucket, logger: logger}, logger)
}

func (b *gcsBackend) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var gen int64
	missing := false
	err := retry.Do(
		func() error {
			r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(errNotExist)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			gen = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying read operation after error", "attempt", n, "key", key, "error", err)
		}),
	)
	if missing {
		return nil, 0, errNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read after retries: %w", err)
	}
	return data, gen, nil
}

func (b *gcsBackend) write(ctx context.Context, key string, data []byte, generation int64) error {
	cond := storage.Conditions{GenerationMatch: generation}
	if generation == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}

	conflict := false
	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(key).If(cond).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				if preconditionFailed(err) {
					conflict = true
					return retry.Unrecoverable(errConflict)
				}
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying write operation after error", "attempt", n, "key", key, "error", err)
		}),
	)
	if conflict {
		return errConflict
	}
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

func (b *gcsBackend) remove(ctx context.Context, key string) error {
	return retry.Do(
		func() error {
			err := b.client.Bucket(b.bucket).Object(key).Delete(ctx)
			if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", err)
		}),
	)
}

func (b *gcsBackend) keys(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *gcsBackend) Close() error {
	return b.client.Close()
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
