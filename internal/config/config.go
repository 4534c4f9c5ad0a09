package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// VPNMode selects how engines are bound to VPN sidecars.
type VPNMode string

const (
	VPNModeNone      VPNMode = "none"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// PortRange is an inclusive host port range [Lo, Hi].
type PortRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// ParsePortRange parses "40000-40099".
func ParsePortRange(s string) (PortRange, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return PortRange{}, fmt.Errorf("port range %q: want lo-hi", s)
	}
	l, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", s, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", s, err)
	}
	pr := PortRange{Lo: l, Hi: h}
	if !pr.Valid() {
		return PortRange{}, fmt.Errorf("port range %q: invalid bounds", s)
	}
	return pr, nil
}

// Valid reports whether the range is usable as host ports.
func (r PortRange) Valid() bool {
	return r.Lo > 0 && r.Hi >= r.Lo && r.Hi <= 65535
}

// Size is the number of ports in the range.
func (r PortRange) Size() int { return r.Hi - r.Lo + 1 }

// Overlaps reports whether two ranges share any port.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Lo <= o.Hi && o.Lo <= r.Hi
}

func (r PortRange) String() string { return fmt.Sprintf("%d-%d", r.Lo, r.Hi) }

// ScalingConfig bounds the engine fleet.
type ScalingConfig struct {
	MinReplicas         int           `json:"min_replicas"`
	MaxReplicas         int           `json:"max_replicas"`
	MaxActiveReplicas   int           `json:"max_active_replicas"`
	MaxStreamsPerEngine int           `json:"max_streams_per_engine"`
	AutoDelete          bool          `json:"auto_delete"`
	EngineGracePeriod   time.Duration `json:"engine_grace_period"`
	AutoscaleInterval   time.Duration `json:"autoscale_interval"`
}

// VPNConfig describes the sidecars engines are attached to.
type VPNConfig struct {
	Mode       VPNMode   `json:"mode"`
	Container  string    `json:"container"`
	Container2 string    `json:"container_2"`
	APIPort    int       `json:"api_port"`
	PortRange1 PortRange `json:"port_range_1"`
	PortRange2 PortRange `json:"port_range_2"`

	PortCacheTTL            time.Duration `json:"port_cache_ttl"`
	Stabilization           time.Duration `json:"stabilization"`
	UnhealthyRestartTimeout time.Duration `json:"unhealthy_restart_timeout"`
	CheckInterval           time.Duration `json:"check_interval"`
}

// Containers lists the configured sidecar names for the active mode.
func (v VPNConfig) Containers() []string {
	switch v.Mode {
	case VPNModeSingle:
		return []string{v.Container}
	case VPNModeRedundant:
		return []string{v.Container, v.Container2}
	default:
		return nil
	}
}

// HealthConfig drives the per-engine health monitor.
type HealthConfig struct {
	CheckInterval   time.Duration `json:"check_interval"`
	ProbeTimeout    time.Duration `json:"probe_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// LoopConfig drives the stream loop detector.
type LoopConfig struct {
	Enabled       bool          `json:"enabled"`
	Threshold     time.Duration `json:"threshold"`
	CheckInterval time.Duration `json:"check_interval"`
	Retention     time.Duration `json:"retention"`
}

// CircuitConfig drives the provisioning circuit breaker.
type CircuitConfig struct {
	Threshold int           `json:"threshold"`
	Timeout   time.Duration `json:"timeout"`
}

// DebugConfig enables the JSONL trace sink.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	LogDir  string `json:"log_dir"`
}

// DockerConfig holds driver settings.
type DockerConfig struct {
	Network      string        `json:"network"`
	DefaultImage string        `json:"default_image"`
	StopTimeout  time.Duration `json:"stop_timeout"`
	MemoryLimit  string        `json:"memory_limit"`
}

// StoreConfig selects the durable mirror. Empty DSN disables it.
type StoreConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
}

// RedisConfig holds Redis connection settings for the rate limiter.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RateLimitConfig bounds provisioning requests per client.
type RateLimitConfig struct {
	ProvisionPerMinute int `json:"provision_per_minute"`
}

// OtelConfig holds tracing settings.
type OtelConfig struct {
	Enabled    bool    `json:"enabled"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// ProxyConfig names the stream proxies notified on stream end.
type ProxyConfig struct {
	TSURL  string `json:"ts_url"`
	HLSURL string `json:"hls_url"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	ListenAddr string   `json:"listen_addr"`
	LogLevel   string   `json:"log_level"`
	LogFormat  string   `json:"log_format"`
	APIKeys    []string `json:"api_keys"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Daemon       DaemonConfig    `json:"daemon"`
	Scaling      ScalingConfig   `json:"scaling"`
	VPN          VPNConfig       `json:"vpn"`
	Health       HealthConfig    `json:"health"`
	Loop         LoopConfig      `json:"loop"`
	Circuit      CircuitConfig   `json:"circuit"`
	Debug        DebugConfig     `json:"debug"`
	Docker       DockerConfig    `json:"docker"`
	Store        StoreConfig     `json:"store"`
	Redis        RedisConfig     `json:"redis"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
	Otel         OtelConfig      `json:"otel"`
	Proxy        ProxyConfig     `json:"proxy"`
	VariantsFile string          `json:"variants_file"`
	RuntimePath  string          `json:"runtime_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ListenAddr: ":8000",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Scaling: ScalingConfig{
			MinReplicas:         1,
			MaxReplicas:         10,
			MaxActiveReplicas:   10,
			MaxStreamsPerEngine: 5,
			AutoDelete:          true,
			EngineGracePeriod:   5 * time.Minute,
			AutoscaleInterval:   30 * time.Second,
		},
		VPN: VPNConfig{
			Mode:                    VPNModeNone,
			APIPort:                 8000,
			PortRange1:              PortRange{Lo: 40000, Hi: 40099},
			PortCacheTTL:            60 * time.Second,
			Stabilization:           120 * time.Second,
			UnhealthyRestartTimeout: 180 * time.Second,
			CheckInterval:           15 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:   30 * time.Second,
			ProbeTimeout:    5 * time.Second,
			CleanupInterval: 30 * time.Minute,
		},
		Loop: LoopConfig{
			Enabled:       true,
			Threshold:     time.Hour,
			CheckInterval: 5 * time.Minute,
			Retention:     60 * time.Minute,
		},
		Circuit: CircuitConfig{
			Threshold: 5,
			Timeout:   180 * time.Second,
		},
		Debug: DebugConfig{
			Enabled: false,
			LogDir:  "debug_logs",
		},
		Docker: DockerConfig{
			Network:      "acestream",
			DefaultImage: "ghcr.io/martinbjeldbak/acestream-http-proxy:latest",
			StopTimeout:  10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ProvisionPerMinute: 30,
		},
		Otel: OtelConfig{
			SampleRate: 1.0,
		},
		VariantsFile: "",
		RuntimePath:  "runtime_config.json",
	}
}

// LoadFromFile loads configuration from a JSON file layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config. The
// unprefixed names are the deployment contract shared with the compose
// files driving the sidecars; QUASAR_* names cover everything else.
func LoadFromEnv(cfg *Config) error {
	// Fleet bounds.
	envInt("MIN_REPLICAS", &cfg.Scaling.MinReplicas)
	envInt("MAX_REPLICAS", &cfg.Scaling.MaxReplicas)
	envInt("MAX_ACTIVE_REPLICAS", &cfg.Scaling.MaxActiveReplicas)
	envInt("MAX_STREAMS_PER_ENGINE", &cfg.Scaling.MaxStreamsPerEngine)
	envBool("AUTO_DELETE", &cfg.Scaling.AutoDelete)
	envSeconds("ENGINE_GRACE_PERIOD_S", &cfg.Scaling.EngineGracePeriod)
	envSeconds("AUTOSCALE_INTERVAL_S", &cfg.Scaling.AutoscaleInterval)
	envSeconds("HEALTH_CHECK_INTERVAL_S", &cfg.Health.CheckInterval)

	// VPN sidecars.
	if v := os.Getenv("VPN_MODE"); v != "" {
		cfg.VPN.Mode = VPNMode(strings.ToLower(v))
	}
	envStr("VPN_CONTAINER", &cfg.VPN.Container)
	envStr("VPN_CONTAINER_2", &cfg.VPN.Container2)
	envInt("VPN_API_PORT", &cfg.VPN.APIPort)
	if v := os.Getenv("VPN_PORT_RANGE_1"); v != "" {
		pr, err := ParsePortRange(v)
		if err != nil {
			return err
		}
		cfg.VPN.PortRange1 = pr
	}
	if v := os.Getenv("VPN_PORT_RANGE_2"); v != "" {
		pr, err := ParsePortRange(v)
		if err != nil {
			return err
		}
		cfg.VPN.PortRange2 = pr
	}
	envSeconds("VPN_PORT_CACHE_TTL_S", &cfg.VPN.PortCacheTTL)
	envSeconds("VPN_STABILIZATION_S", &cfg.VPN.Stabilization)
	envSeconds("VPN_UNHEALTHY_RESTART_TIMEOUT_S", &cfg.VPN.UnhealthyRestartTimeout)

	// Loop detection.
	envBool("STREAM_LOOP_DETECTION_ENABLED", &cfg.Loop.Enabled)
	envSeconds("STREAM_LOOP_DETECTION_THRESHOLD_S", &cfg.Loop.Threshold)
	envSeconds("STREAM_LOOP_CHECK_INTERVAL_S", &cfg.Loop.CheckInterval)
	envMinutes("STREAM_LOOP_RETENTION_MINUTES", &cfg.Loop.Retention)

	// Circuit breaker.
	envInt("CIRCUIT_BREAKER_THRESHOLD", &cfg.Circuit.Threshold)
	envSeconds("CIRCUIT_BREAKER_TIMEOUT_S", &cfg.Circuit.Timeout)

	// Debug trace sink.
	envBool("DEBUG_MODE", &cfg.Debug.Enabled)
	envStr("DEBUG_LOG_DIR", &cfg.Debug.LogDir)

	// Ambient settings.
	envStr("QUASAR_LISTEN_ADDR", &cfg.Daemon.ListenAddr)
	envStr("QUASAR_LOG_LEVEL", &cfg.Daemon.LogLevel)
	envStr("QUASAR_LOG_FORMAT", &cfg.Daemon.LogFormat)
	if v := os.Getenv("QUASAR_API_KEYS"); v != "" {
		cfg.Daemon.APIKeys = splitNonEmpty(v)
	}
	envStr("QUASAR_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	envStr("QUASAR_REDIS_ADDR", &cfg.Redis.Addr)
	envStr("QUASAR_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("QUASAR_REDIS_DB", &cfg.Redis.DB)
	envInt("QUASAR_RATE_LIMIT_RPM", &cfg.RateLimit.ProvisionPerMinute)
	envBool("QUASAR_OTEL_ENABLED", &cfg.Otel.Enabled)
	envStr("QUASAR_OTEL_ENDPOINT", &cfg.Otel.Endpoint)
	if v := os.Getenv("QUASAR_OTEL_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Otel.SampleRate = f
		}
	}
	envStr("QUASAR_IMAGE", &cfg.Docker.DefaultImage)
	envStr("QUASAR_DOCKER_NETWORK", &cfg.Docker.Network)
	envStr("QUASAR_VARIANTS_FILE", &cfg.VariantsFile)
	envStr("QUASAR_RUNTIME_CONFIG", &cfg.RuntimePath)
	envStr("QUASAR_TS_PROXY_URL", &cfg.Proxy.TSURL)
	envStr("QUASAR_HLS_PROXY_URL", &cfg.Proxy.HLSURL)

	return nil
}

// Validate rejects configurations the control plane cannot run with.
func (c *Config) Validate() error {
	if c.Scaling.MinReplicas < 1 {
		return fmt.Errorf("MIN_REPLICAS must be >= 1, got %d", c.Scaling.MinReplicas)
	}
	if c.Scaling.MaxActiveReplicas < c.Scaling.MinReplicas {
		return fmt.Errorf("MAX_ACTIVE_REPLICAS %d below MIN_REPLICAS %d",
			c.Scaling.MaxActiveReplicas, c.Scaling.MinReplicas)
	}
	if c.Scaling.MaxStreamsPerEngine < 1 {
		return fmt.Errorf("MAX_STREAMS_PER_ENGINE must be >= 1, got %d", c.Scaling.MaxStreamsPerEngine)
	}

	switch c.VPN.Mode {
	case VPNModeNone:
	case VPNModeSingle:
		if c.VPN.Container == "" {
			return fmt.Errorf("VPN_MODE=single requires VPN_CONTAINER")
		}
		if !c.VPN.PortRange1.Valid() {
			return fmt.Errorf("VPN_MODE=single requires VPN_PORT_RANGE_1")
		}
	case VPNModeRedundant:
		if c.VPN.Container == "" || c.VPN.Container2 == "" {
			return fmt.Errorf("VPN_MODE=redundant requires VPN_CONTAINER and VPN_CONTAINER_2")
		}
		if c.VPN.Container == c.VPN.Container2 {
			return fmt.Errorf("VPN_CONTAINER and VPN_CONTAINER_2 must differ")
		}
		if !c.VPN.PortRange1.Valid() || !c.VPN.PortRange2.Valid() {
			return fmt.Errorf("VPN_MODE=redundant requires VPN_PORT_RANGE_1 and VPN_PORT_RANGE_2")
		}
		if c.VPN.PortRange1.Overlaps(c.VPN.PortRange2) {
			return fmt.Errorf("VPN port ranges overlap: %s and %s",
				c.VPN.PortRange1, c.VPN.PortRange2)
		}
	default:
		return fmt.Errorf("unknown VPN_MODE %q", c.VPN.Mode)
	}

	if c.Circuit.Threshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be >= 1, got %d", c.Circuit.Threshold)
	}
	return nil
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envMinutes(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
