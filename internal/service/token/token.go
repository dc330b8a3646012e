package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/entity"
)

const (
	serviceName = "token"

	tokenVersion = "1.0"
)

type TokenRepository interface {
	Save(ctx context.Context, t *entity.Token, ttl time.Duration) error
	Get(ctx context.Context, id string) (*entity.Token, error)
	MarkUsed(ctx context.Context, id, tunnelID string, at time.Time) (bool, error)
	TTL(ctx context.Context, id string) (time.Duration, error)
}

// Claims is the signed payload. Expiry lives in the registered claims
// and is enforced by the parser; the used flag lives only in the store.
type Claims struct {
	jwt.RegisteredClaims
	TokenID   string `json:"token_id"`
	FilePath  string `json:"file_path"`
	SingleUse bool   `json:"single_use"`
	Version   string `json:"version"`
}

type tokenService struct {
	repo       TokenRepository
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// NewTokenService fails without a signing secret: issuing unsigned
// download links is never acceptable, so this is a startup error.
func NewTokenService(repo TokenRepository, secret string, defaultTTL time.Duration, log *slog.Logger) (*tokenService, error) {
	if secret == "" {
		return nil, common.ErrNoSigningSecret
	}

	return &tokenService{
		repo:       repo,
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        time.Now,
		log:        log.With(slog.String("service", serviceName)),
	}, nil
}

// Issue creates a single-use download token for the file, persists its
// record with a TTL equal to the requested lifetime and returns the
// signed form together with the record.
func (s *tokenService) Issue(ctx context.Context, filePath string, lifetime time.Duration) (string, *entity.Token, error) {
	if lifetime <= 0 {
		lifetime = s.defaultTTL
	}

	now := s.now().UTC()
	tok := &entity.Token{
		ID:        uuid.NewString(),
		FilePath:  filePath,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}

	if err := s.repo.Save(ctx, tok, lifetime); err != nil {
		s.log.Error("Cannot save token", slog.String("token_id", tok.ID), slog.Any("error", err))

		return "", nil, fmt.Errorf("cannot save token: %w", err)
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		TokenID:   tok.ID,
		FilePath:  filePath,
		SingleUse: true,
		Version:   tokenVersion,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("cannot sign token: %w", err)
	}

	s.log.Info("Generated token",
		slog.String("token_id", tok.ID),
		slog.String("file_path", filePath),
		slog.Duration("lifetime", lifetime))

	return signed, tok, nil
}

// Validate verifies the signature and expiry and checks the persisted
// record. It is read-only and repeatable: a preview probe may call it
// any number of times without burning the single use. Every rejection
// maps to ErrTokenRejected; callers never see internal detail.
func (s *tokenService) Validate(ctx context.Context, tokenStr string) (*entity.Token, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenStr, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired())
	if err != nil {
		s.log.Warn("Invalid token", slog.Any("error", err))

		return nil, common.ErrTokenRejected
	}

	if claims.TokenID == "" {
		s.log.Warn("Token missing token_id")

		return nil, common.ErrTokenRejected
	}

	tok, err := s.repo.Get(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, common.ErrTokenNotFound) {
			s.log.Warn("Token record not found", slog.String("token_id", claims.TokenID))

			return nil, common.ErrTokenRejected
		}

		return nil, fmt.Errorf("cannot get token %s: %w", claims.TokenID, err)
	}

	if tok.Used {
		s.log.Warn("Token already used", slog.String("token_id", tok.ID))

		return nil, common.ErrTokenRejected
	}

	return tok, nil
}

// Consume performs the one-way used transition and binds the tunnel
// id. Returns false when the record no longer exists.
func (s *tokenService) Consume(ctx context.Context, id, tunnelID string) bool {
	ok, err := s.repo.MarkUsed(ctx, id, tunnelID, s.now())
	if err != nil {
		s.log.Error("Cannot mark token used", slog.String("token_id", id), slog.Any("error", err))

		return false
	}

	if ok {
		s.log.Info("Marked token used", slog.String("token_id", id), slog.String("tunnel_id", tunnelID))
	}

	return ok
}

func (s *tokenService) Get(ctx context.Context, id string) (*entity.Token, error) {
	return s.repo.Get(ctx, id)
}

// Sweep is a reconciliation pass over expired tokens. The store's own
// TTL expiry removes the records; an expired key is simply absent by
// the time anything could scan for it, so there is nothing to delete
// here. Kept as the hook the sweep loop calls.
func (s *tokenService) Sweep(ctx context.Context) int {
	s.log.Debug("Token sweep: expiry is handled by store TTLs")

	return 0
}

func (s *tokenService) keyFunc(_ *jwt.Token) (any, error) {
	return s.secret, nil
}
