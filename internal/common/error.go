package common

import "fmt"

var (
	ErrTokenRejected     = fmt.Errorf("token rejected")
	ErrTokenNotFound     = fmt.Errorf("token not found")
	ErrTunnelNotFound    = fmt.Errorf("tunnel not found")
	ErrTunnelUnavailable = fmt.Errorf("tunnel unavailable")
	ErrFileNotFoundError = fmt.Errorf("file not found")
	ErrNoSigningSecret   = fmt.Errorf("signing secret is not configured")
)
