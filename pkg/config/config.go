package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// TrustedProxies lists the addresses or CIDRs whose forwarding
		// headers are believed. Empty trusts none.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Transport struct {
		Kind              string        `yaml:"kind"`
		RelayURL          string        `yaml:"relay_url"`
		PresenceHeartbeat time.Duration `yaml:"presence_heartbeat"`
		PresenceTTL       time.Duration `yaml:"presence_ttl"`
	} `yaml:"transport"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Capture struct {
		ListenAddress string        `yaml:"listen_address"`
		Codec         string        `yaml:"codec"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
	} `yaml:"capture"`

	Viewer struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ForwardAddress string        `yaml:"forward_address"`
		PLIInterval    time.Duration `yaml:"pli_interval"`
	} `yaml:"viewer"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`

		// Breaker guards live-status reads and writes.
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", proxy)
			}
		}
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}

	// Transport
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("transport.kind=redis requires redis.enabled=true")
		}
		if c.Transport.PresenceHeartbeat <= 0 {
			return fmt.Errorf("transport.presence_heartbeat must be > 0")
		}
		if c.Transport.PresenceTTL <= c.Transport.PresenceHeartbeat {
			return fmt.Errorf("transport.presence_ttl must be > transport.presence_heartbeat")
		}
	case TransportWebSocket:
		if c.Transport.RelayURL == "" {
			return fmt.Errorf("transport.relay_url must not be empty when transport.kind=websocket")
		}
	default:
		return fmt.Errorf("transport.kind must be one of memory, redis, websocket (got %q)", c.Transport.Kind)
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Capture
	if c.Capture.ListenAddress == "" {
		return fmt.Errorf("capture.listen_address must not be empty")
	}
	if c.Capture.IdleTimeout <= 0 {
		return fmt.Errorf("capture.idle_timeout must be > 0")
	}
	switch c.Capture.Codec {
	case "vp8", "vp9", "h264":
	default:
		return fmt.Errorf("capture.codec must be one of vp8, vp9, h264 (got %q)", c.Capture.Codec)
	}

	// Viewer
	if c.Viewer.ConnectTimeout <= 0 {
		return fmt.Errorf("viewer.connect_timeout must be > 0")
	}
	if c.Viewer.PLIInterval < 0 {
		return fmt.Errorf("viewer.pli_interval must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Breaker.FailureThreshold < 0 {
			return fmt.Errorf("redis.breaker.failure_threshold must be >= 0")
		}
		if c.Redis.Breaker.FailureThreshold > 0 && c.Redis.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("redis.breaker.open_timeout must be > 0 when the breaker is enabled")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// Variables from a .env file in the working directory are loaded first and
// never replace variables already set in the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second

	cfg.Transport.Kind = TransportWebSocket
	cfg.Transport.RelayURL = "ws://localhost:8081/ws"
	cfg.Transport.PresenceHeartbeat = 5 * time.Second
	cfg.Transport.PresenceTTL = 15 * time.Second

	cfg.Capture.ListenAddress = "127.0.0.1:5004"
	cfg.Capture.Codec = "vp8"
	cfg.Capture.IdleTimeout = 5 * time.Second

	cfg.Viewer.ConnectTimeout = 12 * time.Second
	cfg.Viewer.PLIInterval = 3 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Breaker.FailureThreshold = 5
	cfg.Redis.Breaker.SuccessThreshold = 1
	cfg.Redis.Breaker.OpenTimeout = 10 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("LIVECAST_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("LIVECAST_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("LIVECAST_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("LIVECAST_RELAY_URL"); v != "" {
		c.Transport.RelayURL = v
	}
	if v := os.Getenv("LIVECAST_CAPTURE_ADDRESS"); v != "" {
		c.Capture.ListenAddress = v
	}
	if v := os.Getenv("LIVECAST_VIEWER_FORWARD_ADDRESS"); v != "" {
		c.Viewer.ForwardAddress = v
	}
	if v := os.Getenv("LIVECAST_VIEWER_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LIVECAST_VIEWER_CONNECT_TIMEOUT: %w", err)
		}
		c.Viewer.ConnectTimeout = d
	}
	if v := os.Getenv("LIVECAST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVECAST_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LIVECAST_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LIVECAST_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LIVECAST_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

// DefaultPaths are tried in order by LoadFirst.
var DefaultPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/livecast/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first path that exists. When none does the defaults
// (plus environment overrides) are used and the returned path is empty.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, "", nil
}
