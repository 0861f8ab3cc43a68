package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevice = []byte("device")
	keyAddress   = []byte("address")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevice)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetAddress() (string, error) {
	var addr string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		data := b.Get(keyAddress)
		if len(data) == 0 {
			return fmt.Errorf("device address: %w", ErrNotFound)
		}
		// data is only valid inside the transaction.
		addr = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return addr, nil
}

func (s *BoltStore) SetAddress(addr string) error {
	if addr == "" {
		return ErrEmptyAddress
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		return b.Put(keyAddress, []byte(addr))
	})
}

func (s *BoltStore) ClearAddress() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		return b.Delete(keyAddress)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
