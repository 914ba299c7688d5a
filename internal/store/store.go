// Package store reads user and post records from the external record store.
// The relay only looks records up by id; it never writes and caches nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("store: record not found")

	// ErrInvalidID is returned when an id cannot name a record in the
	// backend (empty, or not an ObjectID for MongoDB).
	ErrInvalidID = errors.New("store: malformed record id")
)

// UserRecord is the projection of a user document used for enrichment.
type UserRecord struct {
	ID           string
	Username     string
	ProfileImage string
}

// PostRecord is the projection of a post document used for enrichment.
type PostRecord struct {
	ID       string
	ImageURL string
}

// Records looks up external records by id.
type Records interface {
	FindUserByID(ctx context.Context, id string) (*UserRecord, error)
	FindPostByID(ctx context.Context, id string) (*PostRecord, error)
}

// Backend is a Records implementation that owns a connection.
type Backend interface {
	Records
	Close(ctx context.Context) error
}

// Supported backend drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver        string
	MongoURI      string
	MongoDatabase string
	PostgresDSN   string
	LookupTimeout time.Duration // per-lookup deadline; zero means none
	PingTimeout   time.Duration
}

// Open connects to the configured backend and verifies it is reachable.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverMongo, "":
		return NewMongo(ctx, cfg)
	case DriverPostgres:
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// withTimeout bounds a single lookup when a timeout is configured.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
