// Package objstore provides the narrow object-store contract used for
// snapshot persistence: put/get/list/delete under one bucket.
package objstore

import (
	"context"
)

// Store is the minimal remote object namespace the snapshot lifecycle needs.
// All operations are remote I/O and may fail transiently; implementations
// surface failure without retry. Retry and degrade policy belong to the
// caller, which knows the acceptable behaviour.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, keyPrefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
