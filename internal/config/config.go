package config

import "time"

// Config is the root configuration for a sync agent.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Sync       SyncConfig       `yaml:"sync"`
	Connection ConnectionConfig `yaml:"connection"`
	Poller     PollerConfig     `yaml:"poller"`
	Retry      RetryConfig      `yaml:"retry"`
	Database   DatabaseConfig   `yaml:"database"`
	Writer     WriterConfig     `yaml:"writer"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this agent.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds upstream endpoint settings.
type APIConfig struct {
	RestURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"` // May contain {location}; empty disables push
	APIKey         string        `yaml:"api_key"`
	PrivateKeyPath string        `yaml:"private_key_path"` // Optional RSA key for request signing
	Timeout        time.Duration `yaml:"timeout"`
	HTTP2          bool          `yaml:"http2"`
}

// Transport modes.
const (
	ModeAdaptive = "adaptive" // Prefer push, fall back to polling
	ModePolling  = "polling"  // Never use push
)

// SyncConfig selects what to sync and how.
type SyncConfig struct {
	Location string `yaml:"location"`
	Mode     string `yaml:"mode"`
	Resource string `yaml:"resource"` // Cache-invalidation key prefix
}

// PreferPush reports whether push should be preferred.
func (s SyncConfig) PreferPush() bool {
	return s.Mode == ModeAdaptive
}

// ConnectionConfig holds push channel settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// PollerConfig holds polling fallback settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RetryConfig holds REST retry settings.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DatabaseConfig holds the optional reading archive.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// Enabled reports whether the archive is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Timescale.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds archive batch settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerConfig holds the dashboard HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
