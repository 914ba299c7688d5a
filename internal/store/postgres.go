package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRecords reads users and posts from PostgreSQL tables mirroring the
// document store: users(id, username, profile_image) and posts(id, image_url).
type PostgresRecords struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres opens a connection pool and verifies it with a ping.
func NewPostgres(ctx context.Context, cfg Config) (*PostgresRecords, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("store: postgres open: %w", err)
	}

	pingCtx, cancel := withTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	return NewPostgresWithDB(db, cfg), nil
}

// NewPostgresWithDB wraps an existing database handle.
func NewPostgresWithDB(db *sql.DB, cfg Config) *PostgresRecords {
	return &PostgresRecords{db: db, timeout: cfg.LookupTimeout}
}

// FindUserByID returns the username and profile image of user id.
func (p *PostgresRecords) FindUserByID(ctx context.Context, id string) (*UserRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidID)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		SELECT id, username, COALESCE(profile_image, '')
		FROM users
		WHERE id = $1`

	var rec UserRecord
	err := p.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Username, &rec.ProfileImage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user %s: %w", id, err)
	}
	return &rec, nil
}

// FindPostByID returns the preview image of post id.
func (p *PostgresRecords) FindPostByID(ctx context.Context, id string) (*PostRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty post id", ErrInvalidID)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	const query = `
		SELECT id, image_url
		FROM posts
		WHERE id = $1`

	var rec PostRecord
	err := p.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find post %s: %w", id, err)
	}
	return &rec, nil
}

// Close closes the connection pool.
func (p *PostgresRecords) Close(context.Context) error {
	return p.db.Close()
}
