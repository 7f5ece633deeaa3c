package config

import "time"

// Config is the root configuration for a streamer instance.
type Config struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Stream        StreamConfig         `yaml:"stream"`
	Idle          IdleConfig           `yaml:"idle"`
	Poller        PollerConfig         `yaml:"poller"`
	API           APIConfig            `yaml:"api"`
	Database      DatabaseConfig       `yaml:"database"`
	Writers       WritersConfig        `yaml:"writers"`
	Logging       LoggingConfig        `yaml:"logging"`
	Health        HealthConfig         `yaml:"health"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id" env:"STREAMSUB_INSTANCE_ID"`
}

// StreamConfig holds the persistent connection settings.
type StreamConfig struct {
	URL               string        `yaml:"url" env:"STREAMSUB_WS_URL"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"STREAMSUB_RECONNECT_DELAY"`
	MaxAttempts       int           `yaml:"max_attempts" env:"STREAMSUB_MAX_ATTEMPTS"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MessageBufferSize int           `yaml:"message_buffer_size"`
}

// IdleConfig holds idle monitor settings.
type IdleConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Threshold     time.Duration `yaml:"threshold" env:"STREAMSUB_IDLE_THRESHOLD"`
}

// PollerConfig holds fallback poller settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval" env:"STREAMSUB_POLL_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout"`
}

// APIConfig holds REST settings for fallback fetches.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url" env:"STREAMSUB_REST_URL"`
	APIKey     string        `yaml:"api_key" env:"STREAMSUB_API_KEY"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// DatabaseConfig holds the optional TimescaleDB recorder connection.
type DatabaseConfig struct {
	Enabled   bool     `yaml:"enabled" env:"STREAMSUB_DB_ENABLED"`
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" env:"STREAMSUB_DB_HOST"`
	Port     int    `yaml:"port" env:"STREAMSUB_DB_PORT"`
	Name     string `yaml:"name" env:"STREAMSUB_DB_NAME"`
	User     string `yaml:"user" env:"STREAMSUB_DB_USER"`
	Password string `yaml:"password" env:"STREAMSUB_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level       string `yaml:"level" env:"STREAMSUB_LOG_LEVEL"`
	Environment string `yaml:"environment" env:"STREAMSUB_ENV"` // "development" (text) or "production" (json)
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port" env:"STREAMSUB_HEALTH_PORT"`
	Path string `yaml:"path"`
}

// SubscriptionConfig describes one subscription opened at startup.
type SubscriptionConfig struct {
	Name        string `yaml:"name"`
	Method      string `yaml:"method"`
	Params      []any  `yaml:"params"`
	Unsubscribe string `yaml:"unsubscribe"` // method sent with the same params on unsubscribe

	// Predicate: Stream and Streams match the frame's "stream" member (any
	// of them); Field/Value match a gjson path. All may be empty.
	Stream  string   `yaml:"stream"`
	Streams []string `yaml:"streams"`
	Field   string   `yaml:"field"`
	Value   string   `yaml:"value"`

	Poll *PollConfig `yaml:"poll"`
}

// PollConfig describes the REST fallback for a subscription.
type PollConfig struct {
	Path  string            `yaml:"path"`
	Query map[string]string `yaml:"query"`
}
