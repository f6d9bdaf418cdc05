package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// FeedConfiguration controls the change feed consumer
type FeedConfiguration struct {
	NatsURL        string   `toml:"nats_url"`
	StreamName     string   `toml:"stream"`          // JetStream stream holding change events
	SubjectPrefix  string   `toml:"subject_prefix"`  // Subjects are <prefix>.<table>
	Tables         []string `toml:"tables"`          // Glob patterns of watched tables
	ConsumerName   string   `toml:"consumer"`        // Durable consumer name (resume position)
	AckWaitSeconds int      `toml:"ack_wait_seconds"`
}

// GatewayConfiguration controls the realtime websocket server
type GatewayConfiguration struct {
	BindAddress        string `toml:"bind_address"`
	Port               int    `toml:"port"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"` // Idle connections are closed after this
	WriteTimeoutMS     int    `toml:"write_timeout_ms"`
	SendBufferSize     int    `toml:"send_buffer_size"` // Per-connection outbox depth
}

// WebhookConfiguration controls durable webhook delivery
type WebhookConfiguration struct {
	StorePath        string `toml:"store_path"` // SQLite file, relative to data_dir if not absolute
	Workers          int    `toml:"workers"`    // Dispatcher concurrency
	MaxAttempts      int    `toml:"max_attempts"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`    // Per-delivery HTTP timeout
	BackoffBaseMS    int    `toml:"backoff_base_ms"`    // Retry window = min(base * 2^attempts, ceiling)
	BackoffCeilingMS int    `toml:"backoff_ceiling_ms"`
	PollIntervalMS   int    `toml:"poll_interval_ms"` // How often due attempts are claimed
	BatchSize        int    `toml:"batch_size"`       // Attempts claimed per poll cycle
}

// AdminConfiguration controls the operator HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // PSK for admin endpoints; empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"` // 0 = derive from machine id
	DataDir    string `toml:"data_dir"`

	Feed       FeedConfiguration       `toml:"feed"`
	Gateway    GatewayConfiguration    `toml:"gateway"`
	Webhook    WebhookConfiguration    `toml:"webhook"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "relay.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag  = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	GatewayPortFlag = flag.Int("gateway-port", 0, "Realtime gateway port (overrides config)")
	AdminPortFlag   = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./relay-data",

	Feed: FeedConfiguration{
		NatsURL:        "nats://127.0.0.1:4222",
		StreamName:     "SLOTLINE_CHANGES",
		SubjectPrefix:  "slotline.changes",
		Tables:         []string{"*"},
		ConsumerName:   "relay",
		AckWaitSeconds: 30,
	},

	Gateway: GatewayConfiguration{
		BindAddress:        "0.0.0.0",
		Port:               8080,
		IdleTimeoutSeconds: 300,
		WriteTimeoutMS:     5000,
		SendBufferSize:     32,
	},

	Webhook: WebhookConfiguration{
		StorePath:        "webhooks.db",
		Workers:          4,
		MaxAttempts:      8,
		TimeoutSeconds:   10,
		BackoffBaseMS:    1000,
		BackoffCeilingMS: 300_000, // 5 minutes
		PollIntervalMS:   500,
		BatchSize:        50,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8081,
		Secret:      "",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *GatewayPortFlag != 0 {
		Config.Gateway.Port = *GatewayPortFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// WebhookStorePath resolves the webhook store path against the data directory.
func WebhookStorePath() string {
	p := Config.Webhook.StorePath
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Config.DataDir, p)
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("slotline-relay")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Feed.NatsURL == "" {
		return fmt.Errorf("feed nats_url is required")
	}

	if Config.Feed.StreamName == "" {
		return fmt.Errorf("feed stream is required")
	}

	if Config.Feed.SubjectPrefix == "" {
		return fmt.Errorf("feed subject_prefix is required")
	}

	if Config.Feed.ConsumerName == "" {
		return fmt.Errorf("feed consumer is required")
	}

	if Config.Feed.AckWaitSeconds < 1 {
		return fmt.Errorf("feed ack wait must be >= 1 second")
	}

	if Config.Gateway.Port < 1 || Config.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", Config.Gateway.Port)
	}

	if Config.Gateway.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("gateway idle timeout must be >= 1 second")
	}

	if Config.Gateway.WriteTimeoutMS < 1 {
		return fmt.Errorf("gateway write timeout must be >= 1 ms")
	}

	if Config.Gateway.SendBufferSize < 1 {
		return fmt.Errorf("gateway send buffer size must be >= 1")
	}

	if Config.Webhook.Workers < 1 {
		return fmt.Errorf("webhook workers must be >= 1")
	}

	if Config.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be >= 1")
	}

	if Config.Webhook.TimeoutSeconds < 1 {
		return fmt.Errorf("webhook timeout must be >= 1 second")
	}

	if Config.Webhook.BackoffBaseMS < 1 {
		return fmt.Errorf("webhook backoff base must be >= 1 ms")
	}

	if Config.Webhook.BackoffCeilingMS < Config.Webhook.BackoffBaseMS {
		return fmt.Errorf("webhook backoff ceiling must be >= backoff base")
	}

	if Config.Webhook.PollIntervalMS < 1 {
		return fmt.Errorf("webhook poll interval must be >= 1 ms")
	}

	if Config.Webhook.BatchSize < 1 {
		return fmt.Errorf("webhook batch size must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// IsAdminAuthEnabled returns true when the admin API requires a PSK.
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the configured admin PSK.
func GetAdminSecret() string {
	return Config.Admin.Secret
}
