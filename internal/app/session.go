package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketdesk/internal/cache/redis"
	"github.com/alanyoungcy/marketdesk/internal/config"
	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// IssueSession stores a fresh bearer token for userID in the session store
// and returns it. It is meant for operators and local development; the
// production sign-in flow writes the same keys.
func IssueSession(ctx context.Context, cfg *config.Config, userID string) (string, error) {
	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   1,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return "", fmt.Errorf("app: issue session: %w", err)
	}
	defer client.Close()

	return issueSession(ctx, redis.NewSessionStore(client), userID, cfg)
}

func issueSession(ctx context.Context, sessions domain.SessionStore, userID string, cfg *config.Config) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("app: issue session: %w: empty user id", domain.ErrValidation)
	}
	token := uuid.NewString()
	if err := sessions.Save(ctx, token, userID, cfg.Auth.SessionTTL.Duration); err != nil {
		return "", fmt.Errorf("app: issue session: %w", err)
	}
	return token, nil
}
