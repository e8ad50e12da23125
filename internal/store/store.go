// Package store is the durable key-value boundary the scheduler keeps its
// state in. Values are JSON encoded.
package store

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("store is closed")

// Store persists JSON-encodable values under string keys.
type Store interface {
	Save(ctx context.Context, key string, value any) error
	// Load decodes the value stored under key into out. It reports false
	// when the key does not exist.
	Load(ctx context.Context, key string, out any) (bool, error)
	Remove(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
