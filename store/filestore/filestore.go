// Package filestore keeps each record in its own file inside a directory,
// and reports writes made by other processes through fsnotify.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	dirPerm     = 0o700
	tempPattern = ".tmp-*"
)

var ErrInvalidKey = errors.New("invalid store key")

type snapshot struct {
	value   []byte
	removed bool
}

func (s snapshot) equal(other snapshot) bool {
	return s.removed == other.removed && bytes.Equal(s.value, other.value)
}

// Store is a store.SecureStore over a directory. Several Stores, in one
// process or many, may share the directory.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	written map[string]snapshot
}

var (
	_ store.SecureStore = (*Store)(nil)
	_ store.Watcher     = (*Store)(nil)
)

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens the store in dir, creating the directory when needed.
func New(dir string, options ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("[filestore.New] creating %s: %w", dir, err)
	}
	s := &Store{
		dir:     dir,
		logger:  log.Logger,
		written: make(map[string]snapshot),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "filestore").Str("dir", dir).Logger()
	return s, nil
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return filepath.Join(s.dir, key), nil
}

func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	value, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("[filestore.Get] %w", err)
	}
	return value, nil
}

// Set replaces the record atomically: readers see the old or the new
// value, never a partial write.
func (s *Store) Set(key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+tempPattern)
	if err != nil {
		return fmt.Errorf("[filestore.Set] %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("[filestore.Set] writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("[filestore.Set] syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[filestore.Set] closing %s: %w", key, err)
	}

	s.written[key] = snapshot{value: bytes.Clone(value)}
	if err := os.Rename(tmp.Name(), path); err != nil {
		delete(s.written, key)
		return fmt.Errorf("[filestore.Set] renaming %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.written[key] = snapshot{removed: true}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("[filestore.Remove] %w", err)
	}
	return nil
}

// Watch reports changes made to the directory by other Stores. Changes
// made through s itself are not reported.
func (s *Store) Watch(ctx context.Context) (<-chan store.ChangeEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("[filestore.Watch] %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("[filestore.Watch] watching %s: %w", s.dir, err)
	}

	feed := store.NewFeed(ctx)
	go s.watch(ctx, watcher, feed)
	return feed.C(), nil
}

func (s *Store) watch(ctx context.Context, watcher *fsnotify.Watcher, feed *store.Feed) {
	defer watcher.Close()

	observed := make(map[string]snapshot)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			key := filepath.Base(event.Name)
			if strings.HasPrefix(key, ".") || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			if change, ok := s.observe(key, observed); ok {
				feed.Publish(change)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// observe reads the current state of key and reports it as a change when it
// differs from what this watcher saw last and from what s wrote last.
func (s *Store) observe(key string, observed map[string]snapshot) (store.ChangeEvent, bool) {
	current := snapshot{}
	value, err := s.Get(key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		current.removed = true
	case err != nil:
		s.logger.Warn().Err(err).Str("key", key).Msg("reading changed record")
		return store.ChangeEvent{}, false
	default:
		current.value = value
	}

	if last, ok := observed[key]; ok && last.equal(current) {
		return store.ChangeEvent{}, false
	}
	observed[key] = current

	s.mu.Lock()
	own, ok := s.written[key]
	s.mu.Unlock()
	if ok && own.equal(current) {
		return store.ChangeEvent{}, false
	}
	return store.ChangeEvent{Key: key, Value: current.value, Removed: current.removed}, true
}
