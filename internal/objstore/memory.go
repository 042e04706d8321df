package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mcpgate/mcpgate/errs"
)

// MemStore is an in-memory implementation of Store used by tests. Failure
// hooks let callers drive the degrade paths of the snapshot lifecycle.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// PutErr, GetErr, ListErr and DeleteErr, when set, are returned by the
	// corresponding operation instead of touching the map.
	PutErr    error
	GetErr    error
	ListErr   error
	DeleteErr error
}

// NewMemStore creates an empty in-memory object store.
func NewMemStore() *MemStore {
	store := new(MemStore)
	store.objects = make(map[string][]byte)
	return store
}

// Put stores body under key.
func (m *MemStore) Put(ctx context.Context, key string, body []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

// Get returns the object at key or a not_found envelope.
func (m *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, errs.New("objstore", errs.CodeNotFound, errs.WithMessage("no such key "+key))
	}
	return append([]byte(nil), data...), nil
}

// List returns the sorted keys under keyPrefix.
func (m *MemStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, keyPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object at key; missing keys are ignored.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
