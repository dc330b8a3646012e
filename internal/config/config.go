package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	// DownloadPathPrefix is the public path segment the edge proxy
	// serves bound files under. The monitor only attributes bytes to
	// accesses below this prefix.
	DownloadPathPrefix = "/download-file/"
)

type TunnelConfig struct {
	DataDir          string `yaml:"data_dir"`
	TunnelDir        string `yaml:"tunnel_dir"`
	InternalBaseURL  string `yaml:"internal_base_url"`
	MaxTunnelSeconds int    `yaml:"max_tunnel_seconds"`
}

func (c *TunnelConfig) MaxTunnelLifetime() time.Duration {
	return time.Duration(c.MaxTunnelSeconds) * time.Second
}

type FunnelConfig struct {
	Binary         string `yaml:"binary"`
	Target         string `yaml:"target"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *FunnelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ProxyConfig struct {
	StatsURL       string `yaml:"stats_url"`
	AccessLogPath  string `yaml:"access_log"`
	TailBytes      int64  `yaml:"tail_bytes"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *ProxyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MonitorConfig carries the completion policy. The thresholds are
// policy, not protocol: the defaults mirror what works for typical
// file sizes but every one of them is tunable.
type MonitorConfig struct {
	AttributionIntervalSeconds int     `yaml:"attribution_interval_seconds"`
	HealthIntervalSeconds      int     `yaml:"health_interval_seconds"`
	SweepIntervalSeconds       int     `yaml:"sweep_interval_seconds"`
	ReconcileIntervalSeconds   int     `yaml:"reconcile_interval_seconds"`
	LookbackSeconds            int     `yaml:"lookback_seconds"`
	StallTimeoutSeconds        int     `yaml:"stall_timeout_seconds"`
	CompletionRatio            float64 `yaml:"completion_ratio"`
	MinSizeBytes               int64   `yaml:"min_size_bytes"`
	IdleWindowSeconds          int     `yaml:"idle_window_seconds"`
	SmallFileIdleWindowSeconds int     `yaml:"small_file_idle_window_seconds"`
}

func (c *MonitorConfig) AttributionInterval() time.Duration {
	return time.Duration(c.AttributionIntervalSeconds) * time.Second
}

func (c *MonitorConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c *MonitorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *MonitorConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c *MonitorConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackSeconds) * time.Second
}

func (c *MonitorConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

func (c *MonitorConfig) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowSeconds) * time.Second
}

func (c *MonitorConfig) SmallFileIdleWindow() time.Duration {
	return time.Duration(c.SmallFileIdleWindowSeconds) * time.Second
}

type Config struct {
	Listen              string        `yaml:"listen"`
	RedisURL            string        `yaml:"redis_url"`
	LogLevel            string        `yaml:"log_level"`
	JWTSecret           string        `yaml:"jwt_secret"`
	DefaultTokenSeconds int           `yaml:"default_token_seconds"`
	TunnelConfig        TunnelConfig  `yaml:"tunnel"`
	FunnelConfig        FunnelConfig  `yaml:"funnel"`
	ProxyConfig         ProxyConfig   `yaml:"proxy"`
	MonitorConfig       MonitorConfig `yaml:"monitor"`
}

func (c *Config) DefaultTokenTTL() time.Duration {
	return time.Duration(c.DefaultTokenSeconds) * time.Second
}

func Load(data []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	// Secrets come from the environment, never from the file itself.
	cfg.JWTSecret = os.ExpandEnv(cfg.JWTSecret)
	cfg.RedisURL = os.ExpandEnv(cfg.RedisURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config file %s: %s", path, err))
	}

	cfg, err := Load(data)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}

	if c.MonitorConfig.CompletionRatio <= 0 || c.MonitorConfig.CompletionRatio > 1 {
		return fmt.Errorf("completion_ratio must be in (0, 1]")
	}

	return nil
}

func defaultConfig() *Config {
	return &Config{
		Listen:              ":8000",
		RedisURL:            "${REDIS_URL}",
		LogLevel:            LogLevelInfo,
		JWTSecret:           "${JWT_SECRET}",
		DefaultTokenSeconds: 3600,
		TunnelConfig: TunnelConfig{
			DataDir:          "/data",
			TunnelDir:        "/tunnels",
			InternalBaseURL:  "http://file-server:80",
			MaxTunnelSeconds: 3600,
		},
		FunnelConfig: FunnelConfig{
			Binary:         "tailscale",
			Target:         "localhost:80",
			TimeoutSeconds: 30,
		},
		ProxyConfig: ProxyConfig{
			StatsURL:       "http://127.0.0.1/nginx-status",
			AccessLogPath:  "/var/log/nginx/access.log",
			TailBytes:      64 * 1024,
			TimeoutSeconds: 5,
		},
		MonitorConfig: MonitorConfig{
			AttributionIntervalSeconds: 10,
			HealthIntervalSeconds:      30,
			SweepIntervalSeconds:       60,
			ReconcileIntervalSeconds:   120,
			LookbackSeconds:            60,
			StallTimeoutSeconds:        300,
			CompletionRatio:            0.95,
			MinSizeBytes:               10240,
			IdleWindowSeconds:          30,
			SmallFileIdleWindowSeconds: 60,
		},
	}
}
