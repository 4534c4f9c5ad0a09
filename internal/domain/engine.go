package domain

import "time"

// HealthStatus is the last observed liveness of an engine's HTTP API.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Engine is a managed streaming-engine container. The JSON field names are
// the wire contract consumed by the media proxy; they must not change.
type Engine struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name,omitempty"`
	// Host is the address the proxy uses to reach the engine: the VPN
	// sidecar name when the engine shares its network namespace, else the
	// engine container name.
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	Labels map[string]string `json:"labels"`

	VPNContainer string `json:"vpn_container,omitempty"`
	// Forwarded marks the single engine per VPN that binds the VPN's
	// P2P-forwarded port.
	Forwarded bool `json:"forwarded"`
	P2PPort   int  `json:"p2p_port,omitempty"`

	HealthStatus    HealthStatus `json:"health_status"`
	LastHealthCheck time.Time    `json:"last_health_check"`

	LastStreamUsage  time.Time `json:"last_stream_usage"`
	LastCacheCleanup time.Time `json:"last_cache_cleanup"`
	CacheSizeBytes   int64     `json:"cache_size_bytes"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Streams counts active streams; the registry maintains it from its
	// stream index.
	Streams int `json:"streams"`
}

// HostPort returns the proxy-facing address of the engine's HTTP API.
func (e *Engine) HostPort() string {
	return joinHostPort(e.Host, e.Port)
}
