package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/config"
	"github.com/jgivc/filetunnel/internal/entity"
	"github.com/jgivc/filetunnel/internal/util"
)

const serviceName = "tunnel"

type TunnelRepository interface {
	Save(ctx context.Context, t *entity.Tunnel, ttl time.Duration) error
	Get(ctx context.Context, id string) (*entity.Tunnel, error)
	MarkDestroyed(ctx context.Context, id, reason string, at time.Time) error
	RemoveFromActive(ctx context.Context, id string) error
	ActiveIDs(ctx context.Context) ([]string, error)
	ActiveCount(ctx context.Context) (int64, error)
	TTL(ctx context.Context, id string) (time.Duration, error)
}

// TokenTTL exposes the remaining lifetime of the credential a tunnel
// is bound to, used as the fallback tunnel lifetime.
type TokenTTL interface {
	TTL(ctx context.Context, id string) (time.Duration, error)
}

type Funnel interface {
	Active(ctx context.Context) bool
	Ensure(ctx context.Context) error
	Reset(ctx context.Context) error
	Hostname(ctx context.Context) (string, error)
}

type Binder interface {
	Bind(id, filePath string) error
	Unbind(id string) error
}

type tunnelService struct {
	repo            TunnelRepository
	tokens          TokenTTL
	funnel          Funnel
	binder          Binder
	internalBaseURL string
	defaultLifetime time.Duration
	now             func() time.Time
	log             *slog.Logger
}

func NewTunnelService(repo TunnelRepository, tokens TokenTTL, funnel Funnel, binder Binder,
	cfg *config.TunnelConfig, log *slog.Logger) *tunnelService {
	return &tunnelService{
		repo:            repo,
		tokens:          tokens,
		funnel:          funnel,
		binder:          binder,
		internalBaseURL: cfg.InternalBaseURL,
		defaultLifetime: cfg.MaxTunnelLifetime(),
		now:             time.Now,
		log:             log.With(slog.String("service", serviceName)),
	}
}

// Create provisions a tunnel for the file: funnel on (idempotent),
// scoped symlink bound, public URL resolved, record persisted with the
// lifetime as its TTL. Every failure after the binding step rolls the
// binding back, and rolls the funnel back too if this call was the one
// that activated it. Callers get ErrTunnelUnavailable, never internals.
func (s *tunnelService) Create(ctx context.Context, filePath, tokenID string, lifetime time.Duration) (*entity.Tunnel, error) {
	id := util.ShortID()
	log := s.log.With(slog.String("tunnel_id", id), slog.String("file_path", filePath))

	log.Info("Creating tunnel")

	wasActive := s.funnel.Active(ctx)
	if err := s.funnel.Ensure(ctx); err != nil {
		log.Error("Cannot ensure funnel is running", slog.Any("error", err))

		return nil, common.ErrTunnelUnavailable
	}

	if err := s.binder.Bind(id, filePath); err != nil {
		log.Error("Cannot bind tunnel file", slog.Any("error", err))
		s.rollback(ctx, id, wasActive)

		return nil, common.ErrTunnelUnavailable
	}

	hostname, err := s.funnel.Hostname(ctx)
	if err != nil {
		log.Error("Cannot get public hostname", slog.Any("error", err))
		s.rollback(ctx, id, wasActive)

		return nil, common.ErrTunnelUnavailable
	}

	lifetime = s.resolveLifetime(ctx, tokenID, lifetime)

	now := s.now().UTC()
	tun := &entity.Tunnel{
		ID:          id,
		TokenID:     tokenID,
		FilePath:    filePath,
		PublicURL:   fmt.Sprintf("https://%s%s%s/%s", hostname, config.DownloadPathPrefix, id, strings.TrimPrefix(filePath, "/")),
		InternalURL: fmt.Sprintf("%s%s%s/%s", s.internalBaseURL, config.DownloadPathPrefix, id, strings.TrimPrefix(filePath, "/")),
		Status:      entity.TunnelStatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(lifetime),
		MaxSeconds:  int64(lifetime.Seconds()),
	}

	if err := s.repo.Save(ctx, tun, lifetime); err != nil {
		log.Error("Cannot save tunnel", slog.Any("error", err))
		s.rollback(ctx, id, wasActive)

		return nil, common.ErrTunnelUnavailable
	}

	log.Info("Created tunnel", slog.String("public_url", tun.PublicURL), slog.Duration("lifetime", lifetime))

	return tun, nil
}

// Destroy is idempotent: destroying an already destroyed tunnel
// returns true without touching anything, destroying a missing tunnel
// returns false. On the first call it stamps the one-way transition,
// removes the binding, and deactivates the funnel if the active set is
// now empty. The set cardinality is read fresh because concurrent
// destroys race here.
func (s *tunnelService) Destroy(ctx context.Context, id, reason string) bool {
	log := s.log.With(slog.String("tunnel_id", id))

	tun, err := s.repo.Get(ctx, id)
	if err != nil {
		log.Warn("Tunnel not found", slog.Any("error", err))

		return false
	}

	if !tun.Active() {
		log.Debug("Tunnel already destroyed")

		return true
	}

	log.Info("Destroying tunnel", slog.String("reason", reason))

	if err := s.repo.MarkDestroyed(ctx, id, reason, s.now()); err != nil {
		log.Error("Cannot mark tunnel destroyed", slog.Any("error", err))

		return false
	}

	if err := s.binder.Unbind(id); err != nil {
		// Best effort: an orphaned link is less harmful than a
		// failed teardown.
		log.Error("Cannot unbind tunnel file", slog.Any("error", err))
	}

	s.reconcileFunnel(ctx)

	return true
}

// ListActive reads the active set and filters to records that exist
// and are still active. Stale members are removed on the way: the set
// is working memory, the records are the truth.
func (s *tunnelService) ListActive(ctx context.Context) ([]*entity.Tunnel, error) {
	ids, err := s.repo.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list active tunnels: %w", err)
	}

	tunnels := make([]*entity.Tunnel, 0, len(ids))
	for _, id := range ids {
		tun, err := s.repo.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, common.ErrTunnelNotFound) {
				return nil, err
			}

			s.heal(ctx, id)

			continue
		}

		if !tun.Active() {
			s.heal(ctx, id)

			continue
		}

		tunnels = append(tunnels, tun)
	}

	return tunnels, nil
}

func (s *tunnelService) Get(ctx context.Context, id string) (*entity.Tunnel, error) {
	return s.repo.Get(ctx, id)
}

// CleanupExpired destroys every member of the active set whose record
// TTL has lapsed (or whose record is already gone).
func (s *tunnelService) CleanupExpired(ctx context.Context) int {
	ids, err := s.repo.ActiveIDs(ctx)
	if err != nil {
		s.log.Error("Cannot list active tunnels", slog.Any("error", err))

		return 0
	}

	cleaned := 0
	for _, id := range ids {
		ttl, err := s.repo.TTL(ctx, id)
		if err != nil {
			s.log.Error("Cannot get tunnel ttl", slog.String("tunnel_id", id), slog.Any("error", err))

			continue
		}

		// Redis reports -2 for a missing key and -1 for no expiry;
		// neither belongs in the active set.
		if ttl > 0 {
			continue
		}

		if s.Destroy(ctx, id, entity.ReasonExpired) {
			cleaned++
		} else {
			// Record expired away entirely; the set member is all
			// that is left.
			s.heal(ctx, id)
		}
	}

	if cleaned > 0 {
		s.log.Info("Cleaned up expired tunnels", slog.Int("count", cleaned))
	}

	return cleaned
}

func (s *tunnelService) IngressActive(ctx context.Context) bool {
	return s.funnel.Active(ctx)
}

func (s *tunnelService) EnsureIngress(ctx context.Context) error {
	return s.funnel.Ensure(ctx)
}

func (s *tunnelService) ResetIngress(ctx context.Context) error {
	return s.funnel.Reset(ctx)
}

func (s *tunnelService) resolveLifetime(ctx context.Context, tokenID string, lifetime time.Duration) time.Duration {
	if lifetime > 0 {
		return lifetime
	}

	if tokenID != "" {
		if ttl, err := s.tokens.TTL(ctx, tokenID); err == nil && ttl > 0 {
			return ttl
		}
	}

	return s.defaultLifetime
}

func (s *tunnelService) reconcileFunnel(ctx context.Context) {
	count, err := s.repo.ActiveCount(ctx)
	if err != nil {
		s.log.Error("Cannot get active tunnel count", slog.Any("error", err))

		return
	}

	if count > 0 {
		s.log.Debug("Keeping funnel active", slog.Int64("remaining", count))

		return
	}

	s.log.Info("No more active tunnels, deactivating funnel")

	if err := s.funnel.Reset(ctx); err != nil {
		s.log.Error("Cannot deactivate funnel", slog.Any("error", err))
	}
}

func (s *tunnelService) heal(ctx context.Context, id string) {
	if err := s.repo.RemoveFromActive(ctx, id); err != nil {
		s.log.Error("Cannot remove stale active set member", slog.String("tunnel_id", id), slog.Any("error", err))
	}
}

func (s *tunnelService) rollback(ctx context.Context, id string, funnelWasActive bool) {
	if err := s.binder.Unbind(id); err != nil {
		s.log.Error("Rollback: cannot unbind tunnel file", slog.String("tunnel_id", id), slog.Any("error", err))
	}

	if !funnelWasActive {
		if err := s.funnel.Reset(ctx); err != nil {
			s.log.Error("Rollback: cannot reset funnel", slog.Any("error", err))
		}
	}
}
