// Package memory is a process-local key/value store for tests and
// single-process deployments that accept losing data on restart.
package memory

import (
	"context"
	"sync"
)

type KVStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewKVStore() *KVStore {
	return &KVStore{values: make(map[string][]byte, 64)}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = clone(value)
	return nil
}

// Update runs fn under the store lock, so concurrent updates of the same key
// never interleave.
func (s *KVStore) Update(ctx context.Context, key string, fn func(current []byte, exists bool) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.values[key]
	next, err := fn(clone(current), ok)
	if err != nil {
		return err
	}
	s.values[key] = clone(next)
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *KVStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
