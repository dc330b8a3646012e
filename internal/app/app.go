package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jgivc/filetunnel/internal/adapter/binder"
	"github.com/jgivc/filetunnel/internal/adapter/funnel"
	"github.com/jgivc/filetunnel/internal/adapter/proxy"
	"github.com/jgivc/filetunnel/internal/config"
	httphandler "github.com/jgivc/filetunnel/internal/handler/http"
	repotoken "github.com/jgivc/filetunnel/internal/repository/token"
	repotunnel "github.com/jgivc/filetunnel/internal/repository/tunnel"
	srvmonitor "github.com/jgivc/filetunnel/internal/service/monitor"
	srvtoken "github.com/jgivc/filetunnel/internal/service/token"
	srvtunnel "github.com/jgivc/filetunnel/internal/service/tunnel"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	rdb     *redis.Client
	cancel  context.CancelFunc
	cleanup func(ctx context.Context)
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

func (a *App) Start() {
	a.cfg = config.MustLoad(a.cfgPath)

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		panic(err)
	}

	// The store is the single source of truth; without it there is
	// nothing meaningful to run.
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		panic(err)
	}
	a.rdb = rdb

	lo := &slog.HandlerOptions{}
	switch a.cfg.LogLevel {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, lo))
	a.log = log

	fs := afero.NewOsFs()

	tokenRepo := repotoken.NewTokenRepository(rdb, log)
	tunnelRepo := repotunnel.NewTunnelRepository(rdb, log)

	funnelAdapter := funnel.NewFunnelAdapter(&a.cfg.FunnelConfig, log)
	binderAdapter := binder.NewBinderAdapter(&a.cfg.TunnelConfig, fs, log)
	proxyAdapter := proxy.NewProxyAdapter(&a.cfg.ProxyConfig, fs, log)

	tokenSrv, err := srvtoken.NewTokenService(tokenRepo, a.cfg.JWTSecret, a.cfg.DefaultTokenTTL(), log)
	if err != nil {
		panic(err)
	}

	tunnelSrv := srvtunnel.NewTunnelService(tunnelRepo, tokenRepo, funnelAdapter, binderAdapter, &a.cfg.TunnelConfig, log)
	monitorSrv := srvmonitor.NewMonitorService(tunnelSrv, tunnelRepo, tokenSrv, proxyAdapter, binderAdapter, &a.cfg.MonitorConfig, log)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	monitorSrv.Start(ctx)

	a.cleanup = func(ctx context.Context) {
		tunnelSrv.CleanupExpired(ctx)
		tokenSrv.Sweep(ctx)
	}

	http.Handle("POST /generate-link", httphandler.NewGenerateLinkHandler(tokenSrv, tunnelSrv, binderAdapter, log))
	http.Handle("GET /download/{token}", httphandler.NewDownloadHandler(tokenSrv, tunnelSrv, log))
	http.Handle("GET /admin/tunnels", httphandler.NewTunnelListHandler(tunnelSrv, monitorSrv, log))
	http.Handle("GET /admin/tunnels/{id}/stats", httphandler.NewTunnelStatsHandler(tunnelSrv, monitorSrv, binderAdapter, log))
	http.Handle("DELETE /admin/tunnels/{id}", httphandler.NewTunnelTerminateHandler(tunnelSrv, log))
	http.Handle("POST /admin/cleanup", httphandler.NewCleanupHandler(tokenSrv, tunnelSrv, log))
	http.Handle("GET /health", httphandler.NewHealthHandler(storePinger{cl: rdb}, log))

	a.srv = &http.Server{
		Addr: a.cfg.Listen,
	}

	go func() {
		log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

// Cleanup forces an expiry sweep outside the normal loop cadence.
func (a *App) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.cleanup != nil {
		a.cleanup(ctx)
	}
}

func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.srv != nil {
		a.srv.Shutdown(ctx)
	}

	if a.rdb != nil {
		a.rdb.Close()
	}
}

type storePinger struct {
	cl *redis.Client
}

func (p storePinger) Ping(ctx context.Context) error {
	return p.cl.Ping(ctx).Err()
}
