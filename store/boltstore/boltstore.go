// Package boltstore keeps session records in a bbolt database file.
//
// bbolt holds an exclusive lock on the file, so a boltstore is only ever
// used by one process and does not report changes.
package boltstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/store"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("session")

// Store is a store.SecureStore backed by a bbolt database.
type Store struct {
	db *bbolt.DB
}

var _ store.SecureStore = (*Store)(nil)

// New returns a Store backed by db.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("[boltstore.New] creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens the bbolt database at path and returns a Store over it.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("[boltstore.Open] opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, store.ErrNotFound)
		}
		value = bytes.Clone(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
}

func (s *Store) Remove(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Keys lists the keys holding a value.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
