// Package storage provides the key-value backends that hold the session
// index and per-session records. Values are opaque strings; callers own the
// serialization format.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidBackend is returned by Open for an unknown backend type.
var ErrInvalidBackend = errors.New("invalid storage backend")

// Backend is a durable string key-value store. Single-key writes are atomic;
// there is no multi-key transaction.
type Backend interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// BackendType names a Backend implementation.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQLite BackendType = "sqlite"
	BackendRedis  BackendType = "redis"
)

// Options selects and configures a Backend.
type Options struct {
	Type      BackendType
	DataDir   string // sqlite; ":memory:" for an in-memory database
	RedisAddr string
	RedisDB   int
}

// Open creates the Backend described by opts.
func Open(opts Options) (Backend, error) {
	switch opts.Type {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite, "":
		return OpenSQLite(opts.DataDir)
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("%w: redis backend requires an address", ErrInvalidBackend)
		}
		return OpenRedis(opts.RedisAddr, opts.RedisDB)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, opts.Type)
	}
}
