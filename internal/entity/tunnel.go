package entity

import (
	"strconv"
	"time"
)

const (
	TunnelStatusActive    = "active"
	TunnelStatusDestroyed = "destroyed"
)

// Cleanup reasons. Exactly one of these ends up in the tunnel record,
// stamped by whichever trigger won the teardown race.
const (
	ReasonExpired        = "expired"
	ReasonStalled        = "stalled"
	ReasonManual         = "manual"
	ReasonSizeThreshold  = "download_complete_size_threshold"
	ReasonConnectionIdle = "download_complete_connection_idle"
	ReasonSmallFile      = "download_complete_small_file"
)

const valueTrue = "true"

// Tunnel is a bound, time-limited public exposure of one file through
// the shared funnel. Status only ever moves active -> destroyed and
// BytesServed only ever grows (atomic increments in the store).
type Tunnel struct {
	ID                string
	TokenID           string
	FilePath          string
	PublicURL         string
	InternalURL       string
	Status            string
	BytesServed       int64
	ActiveConnections int
	LastActivity      time.Time
	LastSeen          time.Time
	DownloadComplete  bool
	CleanupReason     string
	CleanupTime       time.Time
	DestroyedAt       time.Time
	CreatedAt         time.Time
	ExpiresAt         time.Time
	MaxSeconds        int64
}

func (t *Tunnel) Active() bool {
	return t.Status == TunnelStatusActive
}

func (t *Tunnel) Fields() map[string]any {
	return map[string]any{
		"token_id":     t.TokenID,
		"file_path":    t.FilePath,
		"public_url":   t.PublicURL,
		"internal_url": t.InternalURL,
		"status":       t.Status,
		"bytes_served": strconv.FormatInt(t.BytesServed, 10),
		"created_at":   formatTime(t.CreatedAt),
		"expires_at":   formatTime(t.ExpiresAt),
		"max_seconds":  strconv.FormatInt(t.MaxSeconds, 10),
	}
}

func TunnelFromFields(id string, fields map[string]string) *Tunnel {
	return &Tunnel{
		ID:                id,
		TokenID:           fields["token_id"],
		FilePath:          fields["file_path"],
		PublicURL:         fields["public_url"],
		InternalURL:       fields["internal_url"],
		Status:            fields["status"],
		BytesServed:       parseInt(fields["bytes_served"]),
		ActiveConnections: int(parseInt(fields["active_connections"])),
		LastActivity:      parseTime(fields["last_activity"]),
		LastSeen:          parseTime(fields["last_seen"]),
		DownloadComplete:  fields["download_complete"] == valueTrue,
		CleanupReason:     fields["cleanup_reason"],
		CleanupTime:       parseTime(fields["cleanup_time"]),
		DestroyedAt:       parseTime(fields["destroyed_at"]),
		CreatedAt:         parseTime(fields["created_at"]),
		ExpiresAt:         parseTime(fields["expires_at"]),
		MaxSeconds:        parseInt(fields["max_seconds"]),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func formatBool(b bool) string {
	if b {
		return valueTrue
	}

	return "false"
}

func parseTime(str string) time.Time {
	if str == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}
	}

	return t
}

func parseInt(str string) int64 {
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}

	return n
}
