package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrEmptyAddress is returned when an empty device address is saved.
var ErrEmptyAddress = errors.New("empty device address")

// Store defines the persistence interface.
type Store interface {
	// GetAddress returns the cached device address or ErrNotFound.
	GetAddress() (string, error)
	SetAddress(addr string) error
	ClearAddress() error

	// Close the store
	Close() error
}
