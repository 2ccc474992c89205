// Package sealed encrypts records before handing them to another store.
//
// Values are sealed with XChaCha20-Poly1305 under a 32-byte key kept in a
// memguard enclave. The record key is bound in as additional data, so a
// sealed token set copied over the session record fails to open.
package sealed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the sealing key.
const KeySize = chacha20poly1305.KeySize

var (
	ErrInvalidKey = errors.New("sealing key must be 32 bytes")
	ErrCorrupt    = errors.New("sealed record cannot be opened")
)

// Store seals values written to an inner store.
type Store struct {
	inner  store.SecureStore
	key    *memguard.Enclave
	logger zerolog.Logger
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

// New wraps inner. key is copied into an enclave; the caller's slice is left
// untouched.
func New(inner store.SecureStore, key []byte, options ...Option) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("[sealed.New] got %d bytes: %w", len(key), ErrInvalidKey)
	}
	s := &Store{
		inner:  inner,
		key:    memguard.NewEnclave(append([]byte(nil), key...)),
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sealed_store").Logger()
	return s, nil
}

// GenerateKey returns a new random sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("[sealed.GenerateKey] %w", err)
	}
	return key, nil
}

// KeyFromHex decodes a hex encoded sealing key.
func KeyFromHex(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("[sealed.KeyFromHex] %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("[sealed.KeyFromHex] got %d bytes: %w", len(key), ErrInvalidKey)
	}
	return key, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	sealed, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	return s.open(key, sealed)
}

func (s *Store) Set(key string, value []byte) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(key, sealed)
}

func (s *Store) Remove(key string) error {
	return s.inner.Remove(key)
}

// Watch passes through the inner store's change events with their values
// opened. Events whose value cannot be opened are dropped. Inner stores that
// cannot watch yield store.ErrUnsupported.
func (s *Store) Watch(ctx context.Context) (<-chan store.ChangeEvent, error) {
	watcher, ok := s.inner.(store.Watcher)
	if !ok {
		return nil, fmt.Errorf("[sealed.Watch] inner store %T: %w", s.inner, store.ErrUnsupported)
	}
	events, err := watcher.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan store.ChangeEvent)
	go func() {
		defer close(out)
		for e := range events {
			if !e.Removed {
				value, err := s.open(e.Key, e.Value)
				if err != nil {
					s.logger.Warn().Err(err).Str("key", e.Key).Msg("dropping change event")
					continue
				}
				e.Value = value
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) seal(key string, value []byte) ([]byte, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("[sealed.seal] opening key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("[sealed.seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[sealed.seal] generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, value, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, fmt.Errorf("[sealed.open] opening key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("[sealed.open] %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%s: record too short: %w", key, ErrCorrupt)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	value, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, ErrCorrupt)
	}
	return value, nil
}
