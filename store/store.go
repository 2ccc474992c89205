// Package store defines the persistent key/value store the session manager
// mirrors its token set and session into.
//
// A store only moves bytes: it performs no validation. Stores that can see
// writes made by other processes or other handles implement Watcher so that
// session managers sharing the store can react to each other's logins and
// logouts.
package store

import (
	"context"

	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

// Keys of the two records written by the session manager. Either record
// missing means there is no session.
const (
	KeyAuthToken   = "auth_token"
	KeyUserSession = "user_session"
)

var (
	// ErrNotFound is returned by Get for a key that holds no value.
	ErrNotFound = autherrors.ErrNotFound

	// ErrUnsupported is returned by wrappers asked to watch a store that
	// cannot.
	ErrUnsupported = autherrors.ErrUnsupported
)

// SecureStore is a small key/value store.
type SecureStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// ChangeEvent reports a change made to the store by someone else.
type ChangeEvent struct {
	Key     string
	Value   []byte
	Removed bool
}

// Watcher is implemented by stores that report changes made through other
// handles or by other processes.
type Watcher interface {
	// Watch delivers change events until ctx ends, then closes the channel.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}
