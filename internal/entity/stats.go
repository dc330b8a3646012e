package entity

import "time"

// ProxyStats is the aggregate counter block exposed by the edge proxy
// stub status endpoint.
type ProxyStats struct {
	ActiveConnections int
	Accepts           int64
	Handled           int64
	Requests          int64
}

// AccessRecord is one qualifying download access observed in the edge
// proxy log: a GET that returned 200 on the download path.
type AccessRecord struct {
	TunnelID string
	Bytes    int64
	Time     time.Time
}

// DownloadStats is the per-tunnel view handed to the admin surface.
type DownloadStats struct {
	TunnelID          string
	LastActivity      time.Time
	LastSeen          time.Time
	BytesServed       int64
	ActiveConnections int
	IsActive          bool
}
