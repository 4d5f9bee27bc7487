// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`
	API    APIConfig    `mapstructure:"api" yaml:"api"`
	Layout LayoutConfig `mapstructure:"layout" yaml:"layout"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Transport names accepted by stream.transport.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportFile      = "file"
)

// StreamConfig configures the live event transport and its reconnect policy.
// Path templates substitute {mission} with the mission id.
type StreamConfig struct {
	Transport     string        `mapstructure:"transport" yaml:"transport"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	SSEPath       string        `mapstructure:"sse_path" yaml:"sse_path"`
	GraphWSPath   string        `mapstructure:"graph_ws_path" yaml:"graph_ws_path"`
	LogsWSPath    string        `mapstructure:"logs_ws_path" yaml:"logs_ws_path"`
	LogsEnabled   bool          `mapstructure:"logs_enabled" yaml:"logs_enabled"`
	CaptureFile   string        `mapstructure:"capture_file" yaml:"capture_file"`
	Follow        bool          `mapstructure:"follow" yaml:"follow"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	HandshakeWait time.Duration `mapstructure:"handshake_wait" yaml:"handshake_wait"`
}

// APIConfig configures the GraphQL query collaborator.
type APIConfig struct {
	GraphQLURL    string        `mapstructure:"graphql_url" yaml:"graphql_url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SnapshotLimit int           `mapstructure:"snapshot_limit" yaml:"snapshot_limit"`
	SnapshotRate  float64       `mapstructure:"snapshot_rate" yaml:"snapshot_rate"`
	SnapshotBurst int           `mapstructure:"snapshot_burst" yaml:"snapshot_burst"`
}

// Layout remote backends.
const (
	LayoutRemoteHTTP     = "http"
	LayoutRemotePostgres = "postgres"
	LayoutRemoteNone     = "none"
)

// LayoutConfig configures layout persistence.
type LayoutConfig struct {
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Remote      string        `mapstructure:"remote" yaml:"remote"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	LocalDir    string        `mapstructure:"local_dir" yaml:"local_dir"`
	PostgresURL string        `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	TraceCapacity    int      `mapstructure:"trace_capacity" yaml:"trace_capacity"`
	VisibleTypes     []string `mapstructure:"visible_types" yaml:"visible_types"`
	InferenceEnabled bool     `mapstructure:"inference_enabled" yaml:"inference_enabled"`
	InboxSize        int      `mapstructure:"inbox_size" yaml:"inbox_size"`
}

// MissionPath expands a path template for a mission.
func MissionPath(template, missionID string) string {
	return strings.ReplaceAll(template, "{mission}", missionID)
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "livegraph")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Stream --
	v.SetDefault("stream.transport", TransportSSE)
	v.SetDefault("stream.base_url", "http://localhost:8000")
	v.SetDefault("stream.sse_path", "/api/v1/sse/events/{mission}")
	v.SetDefault("stream.graph_ws_path", "/ws/graph/{mission}")
	v.SetDefault("stream.logs_ws_path", "/ws/logs/{mission}")
	v.SetDefault("stream.logs_enabled", false)
	v.SetDefault("stream.follow", false)
	v.SetDefault("stream.base_delay", "1s")
	v.SetDefault("stream.max_delay", "30s")
	v.SetDefault("stream.max_retries", 5)
	v.SetDefault("stream.read_timeout", "90s")
	v.SetDefault("stream.handshake_wait", "10s")

	// -- API --
	v.SetDefault("api.graphql_url", "http://localhost:8000/graphql")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.snapshot_limit", 5000)
	v.SetDefault("api.snapshot_rate", 0.5)
	v.SetDefault("api.snapshot_burst", 1)

	// -- Layout --
	v.SetDefault("layout.debounce", "2s")
	v.SetDefault("layout.remote", LayoutRemoteHTTP)
	v.SetDefault("layout.base_url", "http://localhost:8000")
	v.SetDefault("layout.local_dir", "~/.livegraph/layouts")

	// -- Engine --
	v.SetDefault("engine.trace_capacity", 500)
	v.SetDefault("engine.inference_enabled", true)
	v.SetDefault("engine.inbox_size", 256)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("layout.postgres_url", "LIVEGRAPH_LAYOUT_POSTGRES_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// It also expands a leading ~ in layout.local_dir.
func (c *Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream configuration invalid: %w", err)
	}
	if err := c.Layout.Validate(); err != nil {
		return fmt.Errorf("layout configuration invalid: %w", err)
	}
	if c.Engine.TraceCapacity <= 0 {
		return fmt.Errorf("engine.trace_capacity must be a positive integer")
	}
	if c.API.SnapshotRate < 0 {
		return fmt.Errorf("api.snapshot_rate must not be negative")
	}
	return nil
}

// Validate checks the stream settings.
func (s *StreamConfig) Validate() error {
	switch s.Transport {
	case TransportSSE, TransportWebSocket:
		if s.BaseURL == "" {
			return fmt.Errorf("base_url is required for the %s transport", s.Transport)
		}
	case TransportFile:
		if s.CaptureFile == "" {
			return fmt.Errorf("capture_file is required for the file transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q", s.Transport)
	}
	if s.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be a positive duration")
	}
	if s.MaxDelay < s.BaseDelay {
		return fmt.Errorf("max_delay must be at least base_delay")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// Validate checks the layout settings.
func (l *LayoutConfig) Validate() error {
	switch l.Remote {
	case LayoutRemoteHTTP:
		if l.BaseURL == "" {
			return fmt.Errorf("base_url is required for the http layout remote")
		}
	case LayoutRemotePostgres:
		if l.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres layout remote (LIVEGRAPH_LAYOUT_POSTGRES_URL)")
		}
	case LayoutRemoteNone, "":
	default:
		return fmt.Errorf("unsupported layout remote %q", l.Remote)
	}
	if l.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if l.LocalDir != "" {
		dir, err := homedir.Expand(l.LocalDir)
		if err != nil {
			return fmt.Errorf("could not expand local_dir: %w", err)
		}
		l.LocalDir = dir
	}
	return nil
}
