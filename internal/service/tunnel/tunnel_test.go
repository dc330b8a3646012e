package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/config"
	"github.com/jgivc/filetunnel/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	tunnels   map[string]*entity.Tunnel
	active    map[string]bool
	ttls      map[string]time.Duration
	savedTTLs map[string]time.Duration
	saveErr   error
	destroyed int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tunnels:   make(map[string]*entity.Tunnel),
		active:    make(map[string]bool),
		ttls:      make(map[string]time.Duration),
		savedTTLs: make(map[string]time.Duration),
	}
}

func (r *fakeRepo) Save(_ context.Context, t *entity.Tunnel, ttl time.Duration) error {
	if r.saveErr != nil {
		return r.saveErr
	}

	clone := *t
	r.tunnels[t.ID] = &clone
	r.active[t.ID] = true
	r.ttls[t.ID] = ttl
	r.savedTTLs[t.ID] = ttl

	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*entity.Tunnel, error) {
	t, ok := r.tunnels[id]
	if !ok {
		return nil, common.ErrTunnelNotFound
	}

	clone := *t

	return &clone, nil
}

func (r *fakeRepo) MarkDestroyed(_ context.Context, id, reason string, at time.Time) error {
	t, ok := r.tunnels[id]
	if !ok {
		return common.ErrTunnelNotFound
	}

	t.Status = entity.TunnelStatusDestroyed
	t.DestroyedAt = at
	t.CleanupReason = reason
	t.CleanupTime = at
	delete(r.active, id)
	r.destroyed++

	return nil
}

func (r *fakeRepo) RemoveFromActive(_ context.Context, id string) error {
	delete(r.active, id)

	return nil
}

func (r *fakeRepo) ActiveIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}

	return ids, nil
}

func (r *fakeRepo) ActiveCount(_ context.Context) (int64, error) {
	return int64(len(r.active)), nil
}

func (r *fakeRepo) TTL(_ context.Context, id string) (time.Duration, error) {
	ttl, ok := r.ttls[id]
	if !ok {
		return -2 * time.Second, nil
	}

	return ttl, nil
}

type fakeTokens struct {
	ttl time.Duration
	err error
}

func (t *fakeTokens) TTL(_ context.Context, _ string) (time.Duration, error) {
	return t.ttl, t.err
}

type fakeFunnel struct {
	active    bool
	ensureErr error
	hostname  string
	hostErr   error
	ensures   int
	resets    int
}

func (f *fakeFunnel) Active(_ context.Context) bool {
	return f.active
}

func (f *fakeFunnel) Ensure(_ context.Context) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}

	f.active = true
	f.ensures++

	return nil
}

func (f *fakeFunnel) Reset(_ context.Context) error {
	f.active = false
	f.resets++

	return nil
}

func (f *fakeFunnel) Hostname(_ context.Context) (string, error) {
	if f.hostErr != nil {
		return "", f.hostErr
	}

	return f.hostname, nil
}

type fakeBinder struct {
	bound   map[string]string
	bindErr error
	unbinds []string
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{bound: make(map[string]string)}
}

func (b *fakeBinder) Bind(id, filePath string) error {
	if b.bindErr != nil {
		return b.bindErr
	}

	b.bound[id] = filePath

	return nil
}

func (b *fakeBinder) Unbind(id string) error {
	delete(b.bound, id)
	b.unbinds = append(b.unbinds, id)

	return nil
}

func testConfig() *config.TunnelConfig {
	return &config.TunnelConfig{
		DataDir:          "/data",
		TunnelDir:        "/tunnels",
		InternalBaseURL:  "http://file-server:80",
		MaxTunnelSeconds: 3600,
	}
}

func newTestService(repo *fakeRepo, tokens *fakeTokens, fun *fakeFunnel, bin *fakeBinder) *tunnelService {
	return NewTunnelService(repo, tokens, fun, bin, testConfig(), slog.Default())
}

func TestCreateWithExplicitLifetime(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	fun := &fakeFunnel{hostname: "node.tail.net"}
	bin := newFakeBinder()
	srv := newTestService(repo, &fakeTokens{}, fun, bin)

	tun, err := srv.Create(ctx, "movies/film.mkv", "tok-1", 90*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, repo.savedTTLs[tun.ID])
	assert.Equal(t, entity.TunnelStatusActive, tun.Status)
	assert.Equal(t, "tok-1", tun.TokenID)
	assert.Equal(t, fmt.Sprintf("https://node.tail.net/download-file/%s/movies/film.mkv", tun.ID), tun.PublicURL)
	assert.True(t, strings.HasPrefix(tun.InternalURL, "http://file-server:80/download-file/"))
	assert.Equal(t, "movies/film.mkv", bin.bound[tun.ID])
	assert.True(t, fun.active)
}

func TestCreateLifetimeFallsBackToTokenTTL(t *testing.T) {
	repo := newFakeRepo()
	srv := newTestService(repo, &fakeTokens{ttl: 2 * time.Minute}, &fakeFunnel{hostname: "h"}, newFakeBinder())

	tun, err := srv.Create(context.Background(), "a.bin", "tok-1", 0)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, repo.savedTTLs[tun.ID])
}

func TestCreateLifetimeFallsBackToDefault(t *testing.T) {
	repo := newFakeRepo()
	srv := newTestService(repo, &fakeTokens{ttl: -2 * time.Second}, &fakeFunnel{hostname: "h"}, newFakeBinder())

	tun, err := srv.Create(context.Background(), "a.bin", "tok-1", 0)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, repo.savedTTLs[tun.ID])
}

func TestCreateFunnelFailure(t *testing.T) {
	srv := newTestService(newFakeRepo(), &fakeTokens{}, &fakeFunnel{ensureErr: fmt.Errorf("boom")}, newFakeBinder())

	_, err := srv.Create(context.Background(), "a.bin", "tok-1", time.Minute)
	require.ErrorIs(t, err, common.ErrTunnelUnavailable)
}

func TestCreateBindFailureRollsBackFunnel(t *testing.T) {
	fun := &fakeFunnel{hostname: "h"}
	bin := newFakeBinder()
	bin.bindErr = fmt.Errorf("boom")
	srv := newTestService(newFakeRepo(), &fakeTokens{}, fun, bin)

	_, err := srv.Create(context.Background(), "a.bin", "tok-1", time.Minute)
	require.ErrorIs(t, err, common.ErrTunnelUnavailable)

	// This call activated the funnel, so the rollback turns it off.
	assert.Equal(t, 1, fun.resets)
	assert.False(t, fun.active)
}

func TestCreateFailureKeepsSharedFunnel(t *testing.T) {
	fun := &fakeFunnel{active: true, hostname: "h", hostErr: fmt.Errorf("boom")}
	bin := newFakeBinder()
	srv := newTestService(newFakeRepo(), &fakeTokens{}, fun, bin)

	_, err := srv.Create(context.Background(), "a.bin", "tok-1", time.Minute)
	require.ErrorIs(t, err, common.ErrTunnelUnavailable)

	// Other tunnels may be multiplexed through the funnel already.
	assert.Zero(t, fun.resets)
	assert.Len(t, bin.unbinds, 1)
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	fun := &fakeFunnel{hostname: "h"}
	srv := newTestService(repo, &fakeTokens{}, fun, newFakeBinder())

	tun, err := srv.Create(ctx, "a.bin", "tok-1", time.Minute)
	require.NoError(t, err)

	assert.True(t, srv.Destroy(ctx, tun.ID, entity.ReasonStalled))
	assert.True(t, srv.Destroy(ctx, tun.ID, entity.ReasonExpired))

	// Only the first call stamps anything.
	assert.Equal(t, 1, repo.destroyed)
	assert.Equal(t, entity.ReasonStalled, repo.tunnels[tun.ID].CleanupReason)
	assert.False(t, repo.tunnels[tun.ID].DestroyedAt.IsZero())
}

func TestDestroyMissing(t *testing.T) {
	srv := newTestService(newFakeRepo(), &fakeTokens{}, &fakeFunnel{}, newFakeBinder())

	assert.False(t, srv.Destroy(context.Background(), "deadbeef", entity.ReasonManual))
}

func TestDestroyDeactivatesFunnelWhenLastTunnelGone(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	fun := &fakeFunnel{hostname: "h"}
	srv := newTestService(repo, &fakeTokens{}, fun, newFakeBinder())

	first, err := srv.Create(ctx, "a.bin", "tok-1", time.Minute)
	require.NoError(t, err)
	second, err := srv.Create(ctx, "b.bin", "tok-2", time.Minute)
	require.NoError(t, err)

	require.True(t, srv.Destroy(ctx, first.ID, entity.ReasonManual))
	assert.True(t, fun.active)
	assert.Zero(t, fun.resets)

	require.True(t, srv.Destroy(ctx, second.ID, entity.ReasonManual))
	assert.False(t, fun.active)
	assert.Equal(t, 1, fun.resets)
}

func TestListActiveSelfHeals(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(repo, &fakeTokens{}, &fakeFunnel{hostname: "h"}, newFakeBinder())

	tun, err := srv.Create(ctx, "a.bin", "tok-1", time.Minute)
	require.NoError(t, err)

	// A destroyed record and a vanished record, both still in the set.
	repo.tunnels["11111111"] = &entity.Tunnel{ID: "11111111", Status: entity.TunnelStatusDestroyed}
	repo.active["11111111"] = true
	repo.active["22222222"] = true

	active, err := srv.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tun.ID, active[0].ID)

	assert.NotContains(t, repo.active, "11111111")
	assert.NotContains(t, repo.active, "22222222")
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(repo, &fakeTokens{}, &fakeFunnel{hostname: "h"}, newFakeBinder())

	fresh, err := srv.Create(ctx, "a.bin", "tok-1", time.Minute)
	require.NoError(t, err)
	expired, err := srv.Create(ctx, "b.bin", "tok-2", time.Minute)
	require.NoError(t, err)

	repo.ttls[expired.ID] = -2 * time.Second

	assert.Equal(t, 1, srv.CleanupExpired(ctx))
	assert.Equal(t, entity.ReasonExpired, repo.tunnels[expired.ID].CleanupReason)
	assert.Equal(t, entity.TunnelStatusActive, repo.tunnels[fresh.ID].Status)
}
