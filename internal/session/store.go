package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the Redis key prefix for the per-user set of
	// session ids.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL bounds how long a mirror entry outlives a crashed server.
	SessionTTL = 1 * time.Hour
)

// Record is the mirrored form of a Session stored in Redis.
type Record struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user_id"`
	Server    string `redis:"server"`     // which relay instance holds the socket
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// Store mirrors open sessions into Redis. The mirror is diagnostic: presence
// decisions are made in-process and never read it back.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create mirrors sess and adds it to its user's session set.
func (s *Store) Create(ctx context.Context, sess Session) error {
	key := SessionPrefix + sess.ID
	userKey := UserSessionsPrefix + sess.UserID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         sess.ID,
		"user_id":    sess.UserID,
		"server":     s.serverName,
		"created_at": sess.CreatedAt.Unix(),
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, sess.ID)
	pipe.Expire(ctx, userKey, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sess.ID, err)
	}
	return nil
}

// Get retrieves a mirrored session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	key := SessionPrefix + sessionID
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// ListByUser returns the mirrored session ids for userID across all relay
// instances sharing this Redis.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
}

// Delete removes a mirrored session.
func (s *Store) Delete(ctx context.Context, sess Session) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sess.ID)
	pipe.SRem(ctx, UserSessionsPrefix+sess.UserID, sess.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", sess.ID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
