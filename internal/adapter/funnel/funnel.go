// Package funnel drives the tailscale funnel control plane through the
// tailscale CLI. The control plane only exposes set/query operations,
// no reference counting, so callers reconcile the on/off state against
// their own notion of live tunnels.
package funnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jgivc/filetunnel/internal/config"
)

const funnelOnMarker = "Funnel on"

type tailscaleStatus struct {
	Self struct {
		DNSName string `json:"DNSName"`
	} `json:"Self"`
}

type funnelAdapter struct {
	binary  string
	target  string
	timeout time.Duration
	log     *slog.Logger
}

func NewFunnelAdapter(cfg *config.FunnelConfig, log *slog.Logger) *funnelAdapter {
	return &funnelAdapter{
		binary:  cfg.Binary,
		target:  cfg.Target,
		timeout: cfg.Timeout(),
		log:     log.With(slog.String("item", "FunnelAdapter")),
	}
}

// Active reports whether the shared funnel currently exposes anything.
// A failed status query reads as inactive.
func (f *funnelAdapter) Active(ctx context.Context) bool {
	out, err := f.run(ctx, "funnel", "status")
	if err != nil {
		f.log.Error("Cannot get funnel status", slog.Any("error", err))

		return false
	}

	return strings.Contains(out, funnelOnMarker)
}

// Ensure activates the funnel towards the fixed local target. Already
// active is a no-op.
func (f *funnelAdapter) Ensure(ctx context.Context) error {
	if f.Active(ctx) {
		return nil
	}

	f.log.Info("Activating funnel", slog.String("target", f.target))

	if _, err := f.run(ctx, "funnel", "--bg", f.target); err != nil {
		return fmt.Errorf("cannot activate funnel: %w", err)
	}

	return nil
}

func (f *funnelAdapter) Reset(ctx context.Context) error {
	f.log.Info("Deactivating funnel")

	if _, err := f.run(ctx, "funnel", "reset"); err != nil {
		return fmt.Errorf("cannot reset funnel: %w", err)
	}

	return nil
}

// Hostname resolves the public DNS name of this node from tailscale
// status, used to build public tunnel URLs.
func (f *funnelAdapter) Hostname(ctx context.Context) (string, error) {
	out, err := f.run(ctx, "status", "--json")
	if err != nil {
		return "", fmt.Errorf("cannot get tailscale status: %w", err)
	}

	var status tailscaleStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		return "", fmt.Errorf("cannot parse tailscale status: %w", err)
	}

	hostname := strings.TrimSuffix(status.Self.DNSName, ".")
	if hostname == "" {
		return "", fmt.Errorf("cannot determine tailscale hostname")
	}

	return hostname, nil
}

func (f *funnelAdapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, f.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", f.binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}
