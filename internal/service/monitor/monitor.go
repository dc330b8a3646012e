// Package monitor is the completion and health engine. A finished HTTP
// transfer is not observable directly, so a set of independent polling
// loops infers it from edge proxy telemetry: byte counters, connection
// counts and idle time. Every teardown trigger goes through the same
// one-way guards, so concurrent loops cannot double-fire.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jgivc/filetunnel/internal/config"
	"github.com/jgivc/filetunnel/internal/entity"
)

const serviceName = "monitor"

// TunnelRegistry is the lifecycle surface the engine drives.
type TunnelRegistry interface {
	Get(ctx context.Context, id string) (*entity.Tunnel, error)
	ListActive(ctx context.Context) ([]*entity.Tunnel, error)
	Destroy(ctx context.Context, id, reason string) bool
	CleanupExpired(ctx context.Context) int
	IngressActive(ctx context.Context) bool
	EnsureIngress(ctx context.Context) error
	ResetIngress(ctx context.Context) error
}

// TunnelStore is the direct store access the attribution loop needs:
// atomic byte increments and observation stamps.
type TunnelStore interface {
	Get(ctx context.Context, id string) (*entity.Tunnel, error)
	RecordBytes(ctx context.Context, id string, n int64, at time.Time) (int64, error)
	RecordSeen(ctx context.Context, id string, connections int, at time.Time) error
	MarkComplete(ctx context.Context, id string) error
}

type TokenSweeper interface {
	Sweep(ctx context.Context) int
}

type Proxy interface {
	Stats(ctx context.Context) (*entity.ProxyStats, error)
	RecentAccesses(ctx context.Context, since time.Time) ([]entity.AccessRecord, error)
}

type FileSizer interface {
	FileSize(filePath string) (int64, error)
}

type monitorService struct {
	registry TunnelRegistry
	store    TunnelStore
	tokens   TokenSweeper
	proxy    Proxy
	sizer    FileSizer
	cfg      *config.MonitorConfig
	now      func() time.Time
	log      *slog.Logger
}

func NewMonitorService(registry TunnelRegistry, store TunnelStore, tokens TokenSweeper,
	proxy Proxy, sizer FileSizer, cfg *config.MonitorConfig, log *slog.Logger) *monitorService {
	return &monitorService{
		registry: registry,
		store:    store,
		tokens:   tokens,
		proxy:    proxy,
		sizer:    sizer,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With(slog.String("service", serviceName)),
	}
}

// Start launches the polling loops. They share ctx and stop together;
// none of them ever waits on another.
func (m *monitorService) Start(ctx context.Context) {
	m.log.Info("Starting download monitor")

	go m.runLoop(ctx, "attribution", m.cfg.AttributionInterval(), m.attributionPass)
	go m.runLoop(ctx, "health", m.cfg.HealthInterval(), m.healthPass)
	go m.runLoop(ctx, "sweep", m.cfg.SweepInterval(), m.sweepPass)
	go m.runLoop(ctx, "reconcile", m.cfg.ReconcileInterval(), m.reconcilePass)
}

// runLoop drives one polling loop on its cadence. A failed iteration
// is logged and the loop keeps going; one bad poll must never take the
// loop down or leak into its siblings.
func (m *monitorService) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	log := m.log.With(slog.String("loop", name))
	log.Info("Loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Loop stopped")

			return
		case <-ticker.C:
		}

		if err := fn(ctx); err != nil {
			log.Error("Iteration failed", slog.Any("error", err))
		}
	}
}

// attributionPass polls the proxy and attributes observed bytes and
// connections to tunnels. Completion is evaluated right after every
// byte increment, not on the next poll.
func (m *monitorService) attributionPass(ctx context.Context) error {
	now := m.now().UTC()

	if stats, err := m.proxy.Stats(ctx); err != nil {
		m.log.Warn("Cannot get proxy stats", slog.Any("error", err))
	} else {
		m.log.Debug("Proxy stats",
			slog.Int("active_connections", stats.ActiveConnections),
			slog.Int64("requests", stats.Requests))
	}

	accesses, err := m.proxy.RecentAccesses(ctx, now.Add(-m.cfg.Lookback()))
	if err != nil {
		return err
	}

	connections := make(map[string]int)
	for _, access := range accesses {
		connections[access.TunnelID]++

		if access.Bytes <= 0 {
			continue
		}

		total, err := m.store.RecordBytes(ctx, access.TunnelID, access.Bytes, now)
		if err != nil {
			m.log.Debug("Cannot record bytes",
				slog.String("tunnel_id", access.TunnelID), slog.Any("error", err))

			continue
		}

		m.log.Info("Recorded download bytes",
			slog.String("tunnel_id", access.TunnelID),
			slog.Int64("bytes", access.Bytes),
			slog.Int64("total", total))

		m.evaluateCompletion(ctx, access.TunnelID)
	}

	for id, count := range connections {
		if err := m.store.RecordSeen(ctx, id, count, now); err != nil {
			m.log.Debug("Cannot record connections",
				slog.String("tunnel_id", id), slog.Any("error", err))
		}
	}

	return nil
}

// evaluateCompletion runs the heuristics for one tunnel. The complete
// flag is set before teardown so a racing trigger sees it and backs
// off; the flag, not the heuristics, is the point of mutual exclusion.
func (m *monitorService) evaluateCompletion(ctx context.Context, id string) {
	tun, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}

	if !tun.Active() || tun.DownloadComplete {
		return
	}

	size, err := m.sizer.FileSize(tun.FilePath)
	if err != nil {
		m.log.Debug("Cannot get file size",
			slog.String("tunnel_id", id),
			slog.String("file_path", tun.FilePath),
			slog.Any("error", err))

		return
	}

	reason := m.completionReason(tun, size, m.now().UTC())
	if reason == "" {
		return
	}

	if err := m.store.MarkComplete(ctx, id); err != nil {
		m.log.Error("Cannot mark download complete",
			slog.String("tunnel_id", id), slog.Any("error", err))

		return
	}

	m.log.Info("Download complete",
		slog.String("tunnel_id", id),
		slog.Int64("bytes_served", tun.BytesServed),
		slog.Int64("file_size", size),
		slog.String("reason", reason))

	m.registry.Destroy(ctx, id, reason)
}

// completionReason evaluates the three heuristics. Size ratio only
// applies above the minimum size: small transfers finish between two
// polls, so their byte counts are too noisy for ratio detection and
// they get a longer settled-idle window instead.
func (m *monitorService) completionReason(tun *entity.Tunnel, size int64, now time.Time) string {
	if size >= m.cfg.MinSizeBytes &&
		float64(tun.BytesServed) >= m.cfg.CompletionRatio*float64(size) {
		return entity.ReasonSizeThreshold
	}

	if tun.BytesServed <= 0 || tun.ActiveConnections != 0 || tun.LastActivity.IsZero() {
		return ""
	}

	idle := now.Sub(tun.LastActivity)
	if size >= m.cfg.MinSizeBytes {
		if idle >= m.cfg.IdleWindow() {
			return entity.ReasonConnectionIdle
		}
	} else if idle >= m.cfg.SmallFileIdleWindow() {
		return entity.ReasonSmallFile
	}

	return ""
}

// healthPass destroys stalled tunnels: some bytes moved, then nothing
// for longer than the stall timeout. A tunnel that never transferred
// anything is not stalled; its own TTL expires it.
func (m *monitorService) healthPass(ctx context.Context) error {
	tunnels, err := m.registry.ListActive(ctx)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	for _, tun := range tunnels {
		if tun.BytesServed == 0 || tun.LastActivity.IsZero() {
			continue
		}

		if now.Sub(tun.LastActivity) <= m.cfg.StallTimeout() {
			continue
		}

		m.log.Info("Tunnel stalled",
			slog.String("tunnel_id", tun.ID),
			slog.Int64("bytes_served", tun.BytesServed))

		m.registry.Destroy(ctx, tun.ID, entity.ReasonStalled)
	}

	return nil
}

func (m *monitorService) sweepPass(ctx context.Context) error {
	tunnels := m.registry.CleanupExpired(ctx)
	tokens := m.tokens.Sweep(ctx)

	if tunnels > 0 || tokens > 0 {
		m.log.Info("Sweep", slog.Int("tunnels", tunnels), slog.Int("tokens", tokens))
	}

	return nil
}

// reconcilePass forces the funnel into agreement with the active set
// in either direction. This is the level-triggered correction for
// partial failures elsewhere: an activation that silently failed or a
// deactivation that never ran.
func (m *monitorService) reconcilePass(ctx context.Context) error {
	tunnels, err := m.registry.ListActive(ctx)
	if err != nil {
		return err
	}

	active := m.registry.IngressActive(ctx)

	switch {
	case len(tunnels) > 0 && !active:
		m.log.Warn("Funnel inactive with active tunnels, activating",
			slog.Int("tunnel_count", len(tunnels)))

		return m.registry.EnsureIngress(ctx)
	case len(tunnels) == 0 && active:
		m.log.Warn("Funnel active with no tunnels, deactivating")

		return m.registry.ResetIngress(ctx)
	}

	return nil
}

// DownloadStats returns the per-tunnel telemetry view.
func (m *monitorService) DownloadStats(ctx context.Context, id string) (*entity.DownloadStats, error) {
	tun, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &entity.DownloadStats{
		TunnelID:          tun.ID,
		LastActivity:      tun.LastActivity,
		LastSeen:          tun.LastSeen,
		BytesServed:       tun.BytesServed,
		ActiveConnections: tun.ActiveConnections,
		IsActive:          tun.Active(),
	}, nil
}
