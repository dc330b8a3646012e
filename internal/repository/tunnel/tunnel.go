package tunnel

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
	KeyPrefix    = "tunnel"
	KeyActiveSet = "active_tunnels"
	KeySeparator = ":"
)

type tunnelRepository struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewTunnelRepository(cl *redis.Client, log *slog.Logger) *tunnelRepository {
	return &tunnelRepository{
		cl:  cl,
		log: log.With(slog.String("item", "TunnelRepository")),
	}
}

// Save persists a fresh tunnel record with its lifetime as the key TTL
// and registers the id in the active set.
func (r *tunnelRepository) Save(ctx context.Context, t *entity.Tunnel, ttl time.Duration) error {
	key := getKey(t.ID)

	if err := r.cl.HSet(ctx, key, t.Fields()).Err(); err != nil {
		return fmt.Errorf("cannot save tunnel %s: %w", t.ID, err)
	}

	if err := r.cl.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cannot set tunnel %s expiration: %w", t.ID, err)
	}

	if err := r.cl.SAdd(ctx, KeyActiveSet, t.ID).Err(); err != nil {
		return fmt.Errorf("cannot add tunnel %s to active set: %w", t.ID, err)
	}

	return nil
}

func (r *tunnelRepository) Get(ctx context.Context, id string) (*entity.Tunnel, error) {
	data, err := r.cl.HGetAll(ctx, getKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get tunnel %s: %w", id, err)
	}

	if len(data) < 1 {
		return nil, common.ErrTunnelNotFound
	}

	return entity.TunnelFromFields(id, data), nil
}

// MarkDestroyed stamps the one-way status transition together with the
// cleanup attribution fields and drops the id from the active set.
func (r *tunnelRepository) MarkDestroyed(ctx context.Context, id, reason string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339)

	err := r.cl.HSet(ctx, getKey(id), map[string]any{
		"status":         entity.TunnelStatusDestroyed,
		"destroyed_at":   ts,
		"cleanup_reason": reason,
		"cleanup_time":   ts,
	}).Err()
	if err != nil {
		return fmt.Errorf("cannot mark tunnel %s destroyed: %w", id, err)
	}

	if err := r.cl.SRem(ctx, KeyActiveSet, id).Err(); err != nil {
		return fmt.Errorf("cannot remove tunnel %s from active set: %w", id, err)
	}

	return nil
}

func (r *tunnelRepository) RemoveFromActive(ctx context.Context, id string) error {
	if err := r.cl.SRem(ctx, KeyActiveSet, id).Err(); err != nil {
		return fmt.Errorf("cannot remove tunnel %s from active set: %w", id, err)
	}

	return nil
}

func (r *tunnelRepository) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := r.cl.SMembers(ctx, KeyActiveSet).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get active tunnel ids: %w", err)
	}

	return ids, nil
}

func (r *tunnelRepository) ActiveCount(ctx context.Context) (int64, error) {
	count, err := r.cl.SCard(ctx, KeyActiveSet).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot get active tunnel count: %w", err)
	}

	return count, nil
}

// RecordBytes atomically adds observed bytes to the tunnel counter and
// stamps the data-transfer activity time. A vanished record is not an
// error: the bytes simply have nowhere to go.
func (r *tunnelRepository) RecordBytes(ctx context.Context, id string, n int64, at time.Time) (int64, error) {
	key := getKey(id)

	exists, err := r.cl.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot check tunnel %s: %w", id, err)
	}

	if exists == 0 {
		return 0, common.ErrTunnelNotFound
	}

	total, err := r.cl.HIncrBy(ctx, key, "bytes_served", n).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot increment tunnel %s bytes: %w", id, err)
	}

	if err := r.cl.HSet(ctx, key, "last_activity", at.UTC().Format(time.RFC3339)).Err(); err != nil {
		return total, fmt.Errorf("cannot update tunnel %s activity: %w", id, err)
	}

	return total, nil
}

// RecordSeen stamps the connection-count observation. Distinct from
// RecordBytes: a tunnel can be seen by the poller without moving data.
func (r *tunnelRepository) RecordSeen(ctx context.Context, id string, connections int, at time.Time) error {
	key := getKey(id)

	exists, err := r.cl.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cannot check tunnel %s: %w", id, err)
	}

	if exists == 0 {
		return common.ErrTunnelNotFound
	}

	err = r.cl.HSet(ctx, key, map[string]any{
		"last_seen":          at.UTC().Format(time.RFC3339),
		"active_connections": connections,
	}).Err()
	if err != nil {
		return fmt.Errorf("cannot update tunnel %s connections: %w", id, err)
	}

	return nil
}

// MarkComplete sets the download_complete guard. Callers set this
// before destroying so concurrent triggers observe the flag.
func (r *tunnelRepository) MarkComplete(ctx context.Context, id string) error {
	if err := r.cl.HSet(ctx, getKey(id), "download_complete", "true").Err(); err != nil {
		return fmt.Errorf("cannot mark tunnel %s complete: %w", id, err)
	}

	return nil
}

func (r *tunnelRepository) TTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := r.cl.TTL(ctx, getKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot get tunnel %s ttl: %w", id, err)
	}

	return ttl, nil
}

func getKey(keys ...string) string {
	return strings.Join(append([]string{KeyPrefix}, keys...), KeySeparator)
}
