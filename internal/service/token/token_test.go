package token

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeRepo struct {
	tokens map[string]*entity.Token
	ttls   map[string]time.Duration
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tokens: make(map[string]*entity.Token),
		ttls:   make(map[string]time.Duration),
	}
}

func (r *fakeRepo) Save(_ context.Context, t *entity.Token, ttl time.Duration) error {
	clone := *t
	r.tokens[t.ID] = &clone
	r.ttls[t.ID] = ttl

	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*entity.Token, error) {
	t, ok := r.tokens[id]
	if !ok {
		return nil, common.ErrTokenNotFound
	}

	clone := *t

	return &clone, nil
}

func (r *fakeRepo) MarkUsed(_ context.Context, id, tunnelID string, at time.Time) (bool, error) {
	t, ok := r.tokens[id]
	if !ok {
		return false, nil
	}

	t.Used = true
	t.UsedAt = at
	t.TunnelID = tunnelID

	return true, nil
}

func (r *fakeRepo) TTL(_ context.Context, id string) (time.Duration, error) {
	return r.ttls[id], nil
}

func newTestService(t *testing.T, repo TokenRepository) *tokenService {
	t.Helper()

	srv, err := NewTokenService(repo, testSecret, time.Hour, slog.Default())
	require.NoError(t, err)

	return srv
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	_, err := NewTokenService(newFakeRepo(), "", time.Hour, slog.Default())
	require.ErrorIs(t, err, common.ErrNoSigningSecret)
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(t, repo)

	signed, tok, err := srv.Issue(ctx, "movies/film.mkv", 90*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	assert.Equal(t, 90*time.Second, repo.ttls[tok.ID])

	got, err := srv.Validate(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, "movies/film.mkv", got.FilePath)

	// Validation is read-only: repeating it must return the same
	// non-rejected result.
	again, err := srv.Validate(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.False(t, repo.tokens[tok.ID].Used)
}

func TestValidateAfterConsume(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(t, repo)

	signed, tok, err := srv.Issue(ctx, "a.bin", time.Minute)
	require.NoError(t, err)

	require.True(t, srv.Consume(ctx, tok.ID, "abcd1234"))
	assert.Equal(t, "abcd1234", repo.tokens[tok.ID].TunnelID)

	_, err = srv.Validate(ctx, signed)
	require.ErrorIs(t, err, common.ErrTokenRejected)
}

func TestValidateExpired(t *testing.T) {
	ctx := context.Background()
	srv := newTestService(t, newFakeRepo())

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return base }

	signed, _, err := srv.Issue(ctx, "a.bin", time.Minute)
	require.NoError(t, err)

	srv.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, err = srv.Validate(ctx, signed)
	require.ErrorIs(t, err, common.ErrTokenRejected)
}

func TestValidateBadSignature(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(t, repo)

	signed, _, err := srv.Issue(ctx, "a.bin", time.Minute)
	require.NoError(t, err)

	other, err := NewTokenService(repo, "another-secret", time.Hour, slog.Default())
	require.NoError(t, err)

	_, err = other.Validate(ctx, signed)
	require.ErrorIs(t, err, common.ErrTokenRejected)
}

func TestValidateRecordGone(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	srv := newTestService(t, repo)

	signed, tok, err := srv.Issue(ctx, "a.bin", time.Minute)
	require.NoError(t, err)

	// The record expired out of the store while the signature is
	// still valid.
	delete(repo.tokens, tok.ID)

	_, err = srv.Validate(ctx, signed)
	require.ErrorIs(t, err, common.ErrTokenRejected)
}

func TestConsumeMissing(t *testing.T) {
	srv := newTestService(t, newFakeRepo())

	assert.False(t, srv.Consume(context.Background(), "no-such-id", "abcd1234"))
}

func TestSweepIsNoOp(t *testing.T) {
	srv := newTestService(t, newFakeRepo())

	assert.Zero(t, srv.Sweep(context.Background()))
}
