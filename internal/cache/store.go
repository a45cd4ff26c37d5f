package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("cache archive not found")

type Entry struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Store keeps cache archives by keys.
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, source io.Reader) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}
