package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"peercall/pkg/constants"
	"peercall/pkg/env"
)

// Config holds all configuration for the call agent and the signaling relay.
// Each binary reads the sections it needs.
type Config struct {
	Server ServerConfig
	Relay  RelayConfig
	Agent  AgentConfig
	ICE    ICEConfig
	Call   CallConfig
	Media  MediaConfig
	Redis  RedisConfig
	JWT    JWTConfig
	Log    LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	CORSOrigins []string
}

// RelayConfig holds signaling relay configuration
type RelayConfig struct {
	MaxConnections int
	// Channel prefix for cross-instance fan-out over Redis pub/sub
	ChannelPrefix string
	// When false the relay routes only between its own connections
	UseRedis bool
}

// AgentConfig identifies the local participant and where its relay lives
type AgentConfig struct {
	PeerID   string
	RelayURL string // ws://host:port/v1/signaling/ws
	// Pre-issued relay token. When empty and JWT.Secret is set the agent
	// mints its own token (development only).
	Token string
}

// ICEConfig holds the static ICE server list handed to every peer connection
type ICEConfig struct {
	Servers             []string
	Username            string
	Credential          string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
}

// CallConfig holds call lifecycle timing
type CallConfig struct {
	RingTimeout  time.Duration
	RingInterval time.Duration
}

// MediaConfig selects the capture backend
type MediaConfig struct {
	Source      string // device, synthetic
	VideoWidth  int
	VideoHeight int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return LoadFrom(env.NewReader())
}

// LoadFrom loads configuration through r. Malformed values and failed
// validation are both reported.
func LoadFrom(r *env.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        r.Int("PORT", 8080),
			Environment: r.String("ENV", "development"),
			ServiceName: r.String("SERVICE_NAME", "peercall"),
			CORSOrigins: r.List("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Relay: RelayConfig{
			MaxConnections: r.Int("RELAY_MAX_CONNECTIONS", constants.DefaultMaxRelayConnections),
			ChannelPrefix:  r.String("RELAY_CHANNEL_PREFIX", "peercall:peer:"),
			UseRedis:       r.Bool("RELAY_USE_REDIS", true),
		},
		Agent: AgentConfig{
			PeerID:   r.String("PEER_ID", ""),
			RelayURL: r.String("RELAY_URL", "ws://localhost:8090/v1/signaling/ws"),
			Token:    r.Secret("RELAY_TOKEN", ""),
		},
		ICE: ICEConfig{
			Servers:             r.List("ICE_SERVERS", []string{constants.DefaultICEServer}),
			Username:            r.String("ICE_USERNAME", ""),
			Credential:          r.Secret("ICE_CREDENTIAL", ""),
			DisconnectedTimeout: r.Duration("ICE_DISCONNECTED_TIMEOUT", constants.ICEDisconnectedTimeout),
			FailedTimeout:       r.Duration("ICE_FAILED_TIMEOUT", constants.ICEFailedTimeout),
			KeepaliveInterval:   r.Duration("ICE_KEEPALIVE_INTERVAL", constants.ICEKeepaliveInterval),
		},
		Call: CallConfig{
			RingTimeout:  r.Duration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
			RingInterval: r.Duration("CALL_RING_INTERVAL", constants.DefaultRingInterval),
		},
		Media: MediaConfig{
			Source:      r.String("MEDIA_SOURCE", "device"),
			VideoWidth:  r.Int("MEDIA_VIDEO_WIDTH", 640),
			VideoHeight: r.Int("MEDIA_VIDEO_HEIGHT", 480),
		},
		Redis: RedisConfig{
			Host:     r.String("REDIS_HOST", "localhost"),
			Port:     r.Int("REDIS_PORT", 6379),
			Password: r.Secret("REDIS_PASSWORD", ""),
			DB:       r.Int("REDIS_DB", 0),
			PoolSize: r.Int("REDIS_POOL_SIZE", 10),
			Timeout:  r.Duration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            r.Secret("JWT_SECRET", ""),
			AccessTokenExpiry: r.Duration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    r.String("LOG_LEVEL", "info"),
			Format:   r.String("LOG_FORMAT", "json"),
			Output:   r.String("LOG_OUTPUT", "stdout"),
			FilePath: r.String("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.RingInterval <= 0 || c.Call.RingInterval > c.Call.RingTimeout {
		return fmt.Errorf("CALL_RING_INTERVAL must be positive and not exceed the ring timeout")
	}

	if len(c.ICE.Servers) == 0 {
		return fmt.Errorf("ICE_SERVERS must list at least one server")
	}
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ICE server %q must use a stun:, turn: or turns: scheme", s)
		}
	}
	if c.ICE.FailedTimeout < c.ICE.DisconnectedTimeout {
		return fmt.Errorf("ICE_FAILED_TIMEOUT must not be shorter than ICE_DISCONNECTED_TIMEOUT")
	}

	switch c.Media.Source {
	case "device", "synthetic":
	default:
		return fmt.Errorf("MEDIA_SOURCE must be device or synthetic, got %q", c.Media.Source)
	}

	if c.Agent.RelayURL != "" {
		u, err := url.Parse(c.Agent.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("RELAY_URL must be a ws:// or wss:// URL")
		}
	}

	if c.Relay.MaxConnections <= 0 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be positive")
	}

	return nil
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
