package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// SessionStore implements domain.SessionStore. Tokens are issued by the
// external sign-in flow and written here with their expiry.
//
// Key schema:
//
//	session:{token} - user id
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore creates a SessionStore backed by the given Client.
func NewSessionStore(c *Client) *SessionStore {
	return &SessionStore{rdb: c.Underlying()}
}

func sessionKey(token string) string { return "session:" + token }

// Lookup returns the user id for token, or domain.ErrNotFound.
func (s *SessionStore) Lookup(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrNotFound
	}
	userID, err := s.rdb.Get(ctx, sessionKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: lookup session: %w", err)
	}
	return userID, nil
}

// Save records token for userID until ttl elapses.
func (s *SessionStore) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	if token == "" || userID == "" {
		return fmt.Errorf("redis: save session: %w", domain.ErrValidation)
	}
	if err := s.rdb.Set(ctx, sessionKey(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("redis: save session: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)
