package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validTestConfig() *Configuration {
	return &Configuration{
		InstanceID: 1,
		DataDir:    "./test-data",
		Feed: FeedConfiguration{
			NatsURL:        "nats://127.0.0.1:4222",
			StreamName:     "SLOTLINE_CHANGES",
			SubjectPrefix:  "slotline.changes",
			Tables:         []string{"bookings", "calendars"},
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
			BackoffCeilingMS: 300_000,
			PollIntervalMS:   500,
			BatchSize:        50,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8081,
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Port:    9090,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidGatewayPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validTestConfig()
		Config.Gateway.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for gateway port %d", port)
		}
	}
}

func TestValidate_BackoffCeilingBelowBase(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Webhook.BackoffBaseMS = 5000
	Config.Webhook.BackoffCeilingMS = 1000

	if err := Validate(); err == nil {
		t.Error("Expected error when backoff ceiling < base")
	}
}

func TestValidate_MissingFeedSettings(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	mutations := []func(*Configuration){
		func(c *Configuration) { c.Feed.NatsURL = "" },
		func(c *Configuration) { c.Feed.StreamName = "" },
		func(c *Configuration) { c.Feed.SubjectPrefix = "" },
		func(c *Configuration) { c.Feed.ConsumerName = "" },
	}

	for i, mutate := range mutations {
		Config = validTestConfig()
		mutate(Config)

		if err := Validate(); err == nil {
			t.Errorf("mutation %d: expected validation error", i)
		}
	}
}

func TestValidate_InvalidLoggingFormat(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Logging.Format = "xml"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown logging format")
	}
}

func TestLoad_FromTOMLFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	dir := t.TempDir()
	Config.DataDir = dir

	configPath := filepath.Join(dir, "relay.toml")
	content := `
data_dir = "` + dir + `"

[feed]
nats_url = "nats://feed.internal:4222"
stream = "SLOTLINE_CHANGES"
subject_prefix = "slotline.changes"
tables = ["bookings", "calendar_*"]
consumer = "relay-test"
ack_wait_seconds = 15

[webhook]
max_attempts = 3
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Load(configPath); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if Config.Feed.NatsURL != "nats://feed.internal:4222" {
		t.Errorf("nats_url not loaded: %s", Config.Feed.NatsURL)
	}
	if Config.Feed.ConsumerName != "relay-test" {
		t.Errorf("consumer not loaded: %s", Config.Feed.ConsumerName)
	}
	if Config.Webhook.MaxAttempts != 3 {
		t.Errorf("max_attempts not loaded: %d", Config.Webhook.MaxAttempts)
	}
	if Config.InstanceID == 0 {
		t.Error("instance id should be auto-generated")
	}
}

func TestWebhookStorePath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.DataDir = "/var/lib/relay"
	Config.Webhook.StorePath = "webhooks.db"

	if got := WebhookStorePath(); got != filepath.Join("/var/lib/relay", "webhooks.db") {
		t.Errorf("unexpected store path: %s", got)
	}

	Config.Webhook.StorePath = "/tmp/attempts.db"
	if got := WebhookStorePath(); got != "/tmp/attempts.db" {
		t.Errorf("absolute path should pass through: %s", got)
	}
}
