// Package memory is an in-process store.SecureStore.
//
// A Backend plays the part of browser storage shared by several tabs: each
// handle returned by Open sees the same data, and a write through one handle
// is reported to the watchers of every other handle, never to its own.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jrsteele09/go-auth-session/store"
)

// Backend holds the shared data.
type Backend struct {
	mu      sync.Mutex
	data    map[string][]byte
	handles []*Store
}

// NewBackend creates an empty Backend.
func NewBackend() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Open returns a new handle onto the backend.
func (b *Backend) Open() *Store {
	s := &Store{backend: b}
	b.mu.Lock()
	b.handles = append(b.handles, s)
	b.mu.Unlock()
	return s
}

// Keys returns the keys currently holding a value.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Store is one handle onto a Backend.
type Store struct {
	backend *Backend

	mu    sync.Mutex
	feeds []*store.Feed
}

var (
	_ store.SecureStore = (*Store)(nil)
	_ store.Watcher     = (*Store)(nil)
)

// New returns a handle onto a private Backend.
func New() *Store {
	return NewBackend().Open()
}

// Backend returns the backend the handle writes to.
func (s *Store) Backend() *Backend {
	return s.backend
}

func (s *Store) Get(key string) ([]byte, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	value, ok := s.backend.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	return slices.Clone(value), nil
}

func (s *Store) Set(key string, value []byte) error {
	value = slices.Clone(value)

	s.backend.mu.Lock()
	s.backend.data[key] = value
	others := s.othersLocked()
	s.backend.mu.Unlock()

	for _, other := range others {
		other.publish(store.ChangeEvent{Key: key, Value: slices.Clone(value)})
	}
	return nil
}

func (s *Store) Remove(key string) error {
	s.backend.mu.Lock()
	_, existed := s.backend.data[key]
	delete(s.backend.data, key)
	others := s.othersLocked()
	s.backend.mu.Unlock()

	if existed {
		for _, other := range others {
			other.publish(store.ChangeEvent{Key: key, Removed: true})
		}
	}
	return nil
}

func (s *Store) othersLocked() []*Store {
	others := make([]*Store, 0, len(s.backend.handles))
	for _, h := range s.backend.handles {
		if h != s {
			others = append(others, h)
		}
	}
	return others
}

// Watch reports writes made through the backend's other handles.
func (s *Store) Watch(ctx context.Context) (<-chan store.ChangeEvent, error) {
	feed := store.NewFeed(ctx)

	s.mu.Lock()
	s.feeds = append(s.feeds, feed)
	s.mu.Unlock()

	go func() {
		<-feed.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.feeds = slices.DeleteFunc(s.feeds, func(other *store.Feed) bool { return other == feed })
	}()
	return feed.C(), nil
}

func (s *Store) publish(event store.ChangeEvent) {
	s.mu.Lock()
	feeds := slices.Clone(s.feeds)
	s.mu.Unlock()

	for _, feed := range feeds {
		feed.Publish(event)
	}
}

// Close detaches the handle from the backend.
func (s *Store) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.handles = slices.DeleteFunc(s.backend.handles, func(h *Store) bool { return h == s })
	return nil
}
