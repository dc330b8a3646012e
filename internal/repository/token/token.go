package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/entity"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix    = "token"
	KeySeparator = ":"
)

type tokenRepository struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewTokenRepository(cl *redis.Client, log *slog.Logger) *tokenRepository {
	return &tokenRepository{
		cl:  cl,
		log: log.With(slog.String("item", "TokenRepository")),
	}
}

// Save persists the token record with a TTL matching its lifetime. The
// store's own expiry is what eventually removes the record.
func (r *tokenRepository) Save(ctx context.Context, t *entity.Token, ttl time.Duration) error {
	key := getKey(t.ID)

	if err := r.cl.HSet(ctx, key, t.Fields()).Err(); err != nil {
		return fmt.Errorf("cannot save token %s: %w", t.ID, err)
	}

	if err := r.cl.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cannot set token %s expiration: %w", t.ID, err)
	}

	return nil
}

func (r *tokenRepository) Get(ctx context.Context, id string) (*entity.Token, error) {
	data, err := r.cl.HGetAll(ctx, getKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get token %s: %w", id, err)
	}

	if len(data) < 1 {
		return nil, common.ErrTokenNotFound
	}

	return entity.TokenFromFields(id, data), nil
}

// MarkUsed flips used to true and binds the tunnel id. Returns false
// without error when the record no longer exists (raced against
// expiry), matching the one-way consume contract.
func (r *tokenRepository) MarkUsed(ctx context.Context, id, tunnelID string, at time.Time) (bool, error) {
	key := getKey(id)

	exists, err := r.cl.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cannot check token %s: %w", id, err)
	}

	if exists == 0 {
		return false, nil
	}

	fields := map[string]any{
		"used":    "true",
		"used_at": at.UTC().Format(time.RFC3339),
	}
	if tunnelID != "" {
		fields["tunnel_id"] = tunnelID
	}

	if err := r.cl.HSet(ctx, key, fields).Err(); err != nil {
		return false, fmt.Errorf("cannot mark token %s used: %w", id, err)
	}

	return true, nil
}

func (r *tokenRepository) TTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := r.cl.TTL(ctx, getKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot get token %s ttl: %w", id, err)
	}

	return ttl, nil
}

func getKey(keys ...string) string {
	return strings.Join(append([]string{KeyPrefix}, keys...), KeySeparator)
}
