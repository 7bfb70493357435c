package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ImportMode selects between a bounded backfill and continuous tailing
type ImportMode string

const (
	// ModeBackfill imports up to the chain head observed at loop start, then terminates
	ModeBackfill ImportMode = "backfill"
	// ModeContinuous keeps polling the source for new blocks after catching up
	ModeContinuous ImportMode = "continuous"
)

// FailurePolicy decides what happens once retries for a block are exhausted
type FailurePolicy string

const (
	// FailureHalt stops the importer on the failed block
	FailureHalt FailurePolicy = "halt"
	// FailureSkip logs the failed block loudly and continues past it
	FailureSkip FailurePolicy = "skip"
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Bitcoin  BitcoinConfig  `mapstructure:"bitcoin"`
	Neo4J    Neo4JConfig    `mapstructure:"neo4j"`
	Importer ImporterConfig `mapstructure:"importer"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// AppConfig represents application-specific configuration
type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPPort int    `mapstructure:"http_port"`
}

// BitcoinConfig represents the Bitcoin Core RPC connection configuration
type BitcoinConfig struct {
	RPCHost            string `mapstructure:"rpc_host"`
	RPCUser            string `mapstructure:"rpc_user"`
	RPCPass            string `mapstructure:"rpc_pass"`
	HTTPPostMode       bool   `mapstructure:"http_post_mode"`
	DisableTLS         bool   `mapstructure:"disable_tls"`
	Network            string `mapstructure:"network"`
	RateLimitPerSecond int    `mapstructure:"rate_limit_per_second"`
}

// Neo4JConfig represents Neo4J configuration
type Neo4JConfig struct {
	URI                          string        `mapstructure:"uri"`
	Username                     string        `mapstructure:"username"`
	Password                     string        `mapstructure:"password"`
	Database                     string        `mapstructure:"database"`
	ConnectTimeout               time.Duration `mapstructure:"connect_timeout"`
	MaxConnectionPoolSize        int           `mapstructure:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `mapstructure:"connection_acquisition_timeout"`
}

// ImporterConfig represents the import loop configuration
type ImporterConfig struct {
	StartHeight         int64         `mapstructure:"start_height"`
	BatchSize           int           `mapstructure:"batch_size"`
	Mode                ImportMode    `mapstructure:"mode"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CheckpointPath      string        `mapstructure:"checkpoint_path"`
	CheckpointInterval  int64         `mapstructure:"checkpoint_interval"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`
	OnFailure           FailurePolicy `mapstructure:"on_failure"`
}

// NATSConfig represents the optional block-announcement subscription
type NATSConfig struct {
	URL               string        `mapstructure:"url"`
	SubjectPrefix     string        `mapstructure:"subject_prefix"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	Enabled           bool          `mapstructure:"enabled"`
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/bitcoin-graph-importer")

	// Environment variables
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	// Map environment variables to nested config keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Default values
	setDefaults()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the enum-valued and range-constrained options
func (c *Config) Validate() error {
	switch c.Importer.Mode {
	case ModeBackfill, ModeContinuous:
	default:
		return fmt.Errorf("importer.mode must be %q or %q, got %q", ModeBackfill, ModeContinuous, c.Importer.Mode)
	}

	switch c.Importer.OnFailure {
	case FailureHalt, FailureSkip:
	default:
		return fmt.Errorf("importer.on_failure must be %q or %q, got %q", FailureHalt, FailureSkip, c.Importer.OnFailure)
	}

	if c.Importer.StartHeight < 0 {
		return fmt.Errorf("importer.start_height must not be negative, got %d", c.Importer.StartHeight)
	}
	if c.Importer.BatchSize <= 0 {
		return fmt.Errorf("importer.batch_size must be positive, got %d", c.Importer.BatchSize)
	}
	if c.Importer.CheckpointInterval <= 0 {
		return fmt.Errorf("importer.checkpoint_interval must be positive, got %d", c.Importer.CheckpointInterval)
	}
	if c.Importer.RetryMaxAttempts < 0 {
		return fmt.Errorf("importer.retry_max_attempts must not be negative, got %d", c.Importer.RetryMaxAttempts)
	}
	if c.Bitcoin.RateLimitPerSecond <= 0 {
		return fmt.Errorf("bitcoin.rate_limit_per_second must be positive, got %d", c.Bitcoin.RateLimitPerSecond)
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.http_port", 8080)

	// Bitcoin Core RPC defaults
	viper.SetDefault("bitcoin.rpc_host", "bitcoin:8332")
	viper.SetDefault("bitcoin.rpc_user", "btcuser")
	viper.SetDefault("bitcoin.rpc_pass", "btcpass")
	viper.SetDefault("bitcoin.http_post_mode", true)
	viper.SetDefault("bitcoin.disable_tls", true)
	viper.SetDefault("bitcoin.network", "mainnet")
	viper.SetDefault("bitcoin.rate_limit_per_second", 50)

	// Neo4J defaults
	viper.SetDefault("neo4j.uri", "bolt://neo4j:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")
	viper.SetDefault("neo4j.connect_timeout", "10s")
	viper.SetDefault("neo4j.max_connection_pool_size", 50)
	viper.SetDefault("neo4j.connection_acquisition_timeout", "60s")

	// Importer defaults
	viper.SetDefault("importer.start_height", 0)
	viper.SetDefault("importer.batch_size", 100)
	viper.SetDefault("importer.mode", string(ModeContinuous))
	viper.SetDefault("importer.poll_interval", "60s")
	viper.SetDefault("importer.checkpoint_path", "/app/state/import_state.json")
	viper.SetDefault("importer.checkpoint_interval", 10)
	viper.SetDefault("importer.retry_max_attempts", 5)
	viper.SetDefault("importer.retry_initial_backoff", "1s")
	viper.SetDefault("importer.retry_max_backoff", "30s")
	viper.SetDefault("importer.on_failure", string(FailureHalt))

	// NATS defaults
	viper.SetDefault("nats.url", "nats://bitcoin-nats:4222")
	viper.SetDefault("nats.subject_prefix", "blocks")
	viper.SetDefault("nats.connect_timeout", "10s")
	viper.SetDefault("nats.reconnect_attempts", 5)
	viper.SetDefault("nats.reconnect_delay", "2s")
	viper.SetDefault("nats.enabled", false)

	// Bind env for NATS URL
	viper.BindEnv("nats.url", "NATS_URL")
}
