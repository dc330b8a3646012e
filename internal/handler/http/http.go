package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/jgivc/filetunnel/internal/common"
	"github.com/jgivc/filetunnel/internal/entity"
)

var idRegexp = regexp.MustCompile(`^[0-9a-f]{8}$`)

type TokenService interface {
	Issue(ctx context.Context, filePath string, lifetime time.Duration) (string, *entity.Token, error)
	Validate(ctx context.Context, token string) (*entity.Token, error)
	Consume(ctx context.Context, id, tunnelID string) bool
	Sweep(ctx context.Context) int
}

type TunnelService interface {
	Create(ctx context.Context, filePath, tokenID string, lifetime time.Duration) (*entity.Tunnel, error)
	Destroy(ctx context.Context, id, reason string) bool
	Get(ctx context.Context, id string) (*entity.Tunnel, error)
	ListActive(ctx context.Context) ([]*entity.Tunnel, error)
	CleanupExpired(ctx context.Context) int
	IngressActive(ctx context.Context) bool
}

type StatsService interface {
	DownloadStats(ctx context.Context, id string) (*entity.DownloadStats, error)
}

type FileChecker interface {
	FileSize(filePath string) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type generateLinkRequest struct {
	FilePath         string `json:"file_path"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// NewGenerateLinkHandler issues a credential, provisions a tunnel for
// it immediately and consumes the credential against the tunnel.
func NewGenerateLinkHandler(tokens TokenService, tunnels TunnelService, files FileChecker, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "GenerateLinkHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req generateLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		if _, err := files.FileSize(req.FilePath); err != nil {
			http.Error(w, "File not found", http.StatusNotFound)

			return
		}

		lifetime := time.Duration(req.ExpiresInSeconds) * time.Second

		signed, tok, err := tokens.Issue(r.Context(), req.FilePath, lifetime)
		if err != nil {
			http.Error(w, "Cannot generate link", http.StatusInternalServerError)

			return
		}

		tun, err := tunnels.Create(r.Context(), req.FilePath, tok.ID, lifetime)
		if err != nil {
			http.Error(w, "Tunnel unavailable", http.StatusServiceUnavailable)

			return
		}

		tokens.Consume(r.Context(), tok.ID, tun.ID)

		log.Info("Generated link", slog.String("tunnel_id", tun.ID), slog.String("file_path", req.FilePath))

		writeJSON(w, map[string]any{
			"download_url":       tun.PublicURL,
			"tunnel_id":          tun.ID,
			"token":              signed,
			"file_path":          req.FilePath,
			"expires_in_seconds": int(time.Until(tun.ExpiresAt).Seconds()),
		})
	}
}

// NewDownloadHandler exchanges a token for a tunnel. HEAD validates
// without consuming, so link previews do not burn the single use.
func NewDownloadHandler(tokens TokenService, tunnels TunnelService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "DownloadHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := tokens.Validate(r.Context(), r.PathValue("token"))
		if err != nil {
			// Rejection carries no detail by design.
			http.Error(w, "Link expired or invalid", http.StatusForbidden)

			return
		}

		if r.Method == http.MethodHead {
			w.Header().Set("X-File-Path", tok.FilePath)
			w.Header().Set("X-Token-Valid", "true")
			w.WriteHeader(http.StatusOK)

			return
		}

		tun, err := tunnels.Create(r.Context(), tok.FilePath, tok.ID, 0)
		if err != nil {
			http.Error(w, "Tunnel unavailable", http.StatusServiceUnavailable)

			return
		}

		tokens.Consume(r.Context(), tok.ID, tun.ID)

		log.Info("Created tunnel for token", slog.String("tunnel_id", tun.ID), slog.String("token_id", tok.ID))

		writeJSON(w, map[string]any{
			"public_url": tun.PublicURL,
			"tunnel_id":  tun.ID,
			"file_path":  tok.FilePath,
			"message":    "Tunnel created. Download will be available for a limited time.",
		})
	}
}

func NewTunnelListHandler(tunnels TunnelService, stats StatsService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "TunnelListHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		active, err := tunnels.ListActive(r.Context())
		if err != nil {
			log.Error("Cannot list tunnels", slog.Any("error", err))
			http.Error(w, "Cannot list tunnels", http.StatusInternalServerError)

			return
		}

		items := make([]map[string]any, 0, len(active))
		for _, tun := range active {
			item := tunnelView(tun)
			if ds, err := stats.DownloadStats(r.Context(), tun.ID); err == nil {
				item["active_connections"] = ds.ActiveConnections
				item["is_downloading"] = ds.ActiveConnections > 0
			}

			items = append(items, item)
		}

		writeJSON(w, map[string]any{
			"active_tunnels": items,
			"count":          len(items),
		})
	}
}

func NewTunnelStatsHandler(tunnels TunnelService, stats StatsService, files FileChecker, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "TunnelStatsHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		tun, err := tunnels.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, common.ErrTunnelNotFound) {
				http.Error(w, "Tunnel not found", http.StatusNotFound)
			} else {
				http.Error(w, "Cannot get tunnel", http.StatusInternalServerError)
			}

			return
		}

		resp := map[string]any{
			"tunnel_info": tunnelView(tun),
		}

		if ds, err := stats.DownloadStats(r.Context(), id); err == nil {
			resp["download_stats"] = map[string]any{
				"bytes_served":       ds.BytesServed,
				"active_connections": ds.ActiveConnections,
				"last_activity":      timeView(ds.LastActivity),
				"last_seen":          timeView(ds.LastSeen),
				"is_active":          ds.IsActive,
			}
		}

		if size, err := files.FileSize(tun.FilePath); err == nil {
			percentage := 0.0
			if size > 0 {
				percentage = float64(tun.BytesServed) / float64(size) * 100
			}

			resp["file_size"] = size
			resp["download_progress"] = map[string]any{
				"bytes_served": tun.BytesServed,
				"file_size":    size,
				"percentage":   percentage,
			}
		}

		writeJSON(w, resp)
	}
}

func NewTunnelTerminateHandler(tunnels TunnelService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "TunnelTerminateHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		if !tunnels.Destroy(r.Context(), id, entity.ReasonManual) {
			http.Error(w, "Tunnel not found", http.StatusNotFound)

			return
		}

		log.Info("Terminated tunnel", slog.String("tunnel_id", id))

		writeJSON(w, map[string]any{
			"tunnel_id": id,
			"message":   "Tunnel terminated",
		})
	}
}

func NewCleanupHandler(tokens TokenService, tunnels TunnelService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CleanupHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		cleanedTunnels := tunnels.CleanupExpired(r.Context())
		cleanedTokens := tokens.Sweep(r.Context())

		log.Info("Forced cleanup", slog.Int("tunnels", cleanedTunnels), slog.Int("tokens", cleanedTokens))

		writeJSON(w, map[string]any{
			"message":         "Cleanup completed",
			"cleaned_tunnels": cleanedTunnels,
			"cleaned_tokens":  cleanedTokens,
		})
	}
}

func NewHealthHandler(store Pinger, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "HealthHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			log.Error("Health check failed", slog.Any("error", err))
			http.Error(w, "Service unhealthy", http.StatusServiceUnavailable)

			return
		}

		writeJSON(w, map[string]any{
			"status": "healthy",
			"store":  "connected",
		})
	}
}

func tunnelView(tun *entity.Tunnel) map[string]any {
	return map[string]any{
		"tunnel_id":    tun.ID,
		"file_path":    tun.FilePath,
		"public_url":   tun.PublicURL,
		"status":       tun.Status,
		"bytes_served": tun.BytesServed,
		"created_at":   timeView(tun.CreatedAt),
		"expires_at":   timeView(tun.ExpiresAt),
	}
}

func timeView(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
