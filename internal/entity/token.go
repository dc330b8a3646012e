package entity

import "time"

// Token is a single-use, time-bounded authorization to exchange for a
// tunnel. The record in the store is the source of truth for the used
// flag; the signed form of the token only carries identity and expiry.
type Token struct {
	ID        string
	FilePath  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    time.Time
	TunnelID  string
}

// Valid reports whether the token can still be exchanged.
func (t *Token) Valid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

func (t *Token) Fields() map[string]any {
	fields := map[string]any{
		"file_path":  t.FilePath,
		"created_at": formatTime(t.CreatedAt),
		"expires_at": formatTime(t.ExpiresAt),
		"used":       formatBool(t.Used),
		"tunnel_id":  t.TunnelID,
	}
	if !t.UsedAt.IsZero() {
		fields["used_at"] = formatTime(t.UsedAt)
	}

	return fields
}

func TokenFromFields(id string, fields map[string]string) *Token {
	return &Token{
		ID:        id,
		FilePath:  fields["file_path"],
		CreatedAt: parseTime(fields["created_at"]),
		ExpiresAt: parseTime(fields["expires_at"]),
		Used:      fields["used"] == valueTrue,
		UsedAt:    parseTime(fields["used_at"]),
		TunnelID:  fields["tunnel_id"],
	}
}
