package constants

import "time"

// HTTP client transport settings for the upstream connection pool.
const (
	MaxIdleConns        = 256
	MaxIdleConnsPerHost = 64
	IdleConnTimeout     = 90 * time.Second
	DefaultKeepAlive    = 30 * time.Second
)

// HTTP timeout defaults; each can be overridden from configuration.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 2 * time.Second
)
