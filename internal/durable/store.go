package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrStorage        = errors.New("storage failure")
	ErrInvalidKey     = errors.New("invalid key")
	ErrLocked         = errors.New("store directory is locked by another process")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is per-key atomic byte storage. Operations on different keys carry
// no ordering guarantee relative to each other.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Watcher is implemented by stores that can report keys changed by other
// processes.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

type storeCloser interface {
	Close() error
}

// StorageError wraps a backend failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StorageError
	if errors.As(err, &existing) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

func Close(store Store) error {
	if closer, ok := store.(storeCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

type InMemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: map[string][]byte{}}
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, storageErr("get", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return storageErr("set", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return storageErr("remove", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *InMemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	return keys
}
