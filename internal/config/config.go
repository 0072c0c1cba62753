package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the scanning relay.
type Config struct {
	SharedSecret   string `yaml:"shared_secret"`
	ValidatorToken string `yaml:"validator_token"`
	StoreProjectID string `yaml:"store_project_id"`
	ChatBotToken   string `yaml:"chat_bot_token"`
	ReportRoomID   string `yaml:"report_room_id"`
	ActionRoomID   string `yaml:"action_room_id"`

	HTTPPort        int    `yaml:"http_port"`
	MQTTBindAddress string `yaml:"mqtt_bind"`
	// MQTTBrokerURL selects an external broker for the scanning and
	// customer topics. Empty keeps both on the embedded broker.
	MQTTBrokerURL   string `yaml:"mqtt_broker_url"`
	StoreBackend    string `yaml:"store_backend"`
	DatabasePath    string `yaml:"database_path"`
	DynamoEndpoint  string `yaml:"dynamo_endpoint"`
	DynamoRegion    string `yaml:"dynamo_region"`
	WebexBaseURL    string `yaml:"webex_base_url"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	EffectRetries   int    `yaml:"effect_retries"`
	RateLimitRPS    int    `yaml:"rate_limit_rps"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	MDNSEnabled     bool   `yaml:"mdns_enabled"`
	LogLevel        string `yaml:"log_level"`
}

// Supported store backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultStoreProjectID  = "serverless-cmx"
	defaultStoreBackend    = BackendSQLite
	defaultDatabasePath    = "data/serverless-cmx.db"
	defaultDynamoRegion    = "us-east-1"
	defaultWebexBaseURL    = "https://webexapis.com"
	defaultEffectRetries   = 2
	defaultRateLimitBurst  = 20
	defaultLogLevel        = "info"
)

// Load derives configuration from defaults, an optional YAML file named by
// CMX_CONFIG_FILE, and finally CMX_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		StoreProjectID:  defaultStoreProjectID,
		StoreBackend:    defaultStoreBackend,
		DatabasePath:    defaultDatabasePath,
		DynamoRegion:    defaultDynamoRegion,
		WebexBaseURL:    defaultWebexBaseURL,
		EffectRetries:   defaultEffectRetries,
		RateLimitBurst:  defaultRateLimitBurst,
		LogLevel:        defaultLogLevel,
	}

	if path := os.Getenv("CMX_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	stringVars := map[string]*string{
		"CMX_SHARED_SECRET":    &cfg.SharedSecret,
		"CMX_VALIDATOR_TOKEN":  &cfg.ValidatorToken,
		"CMX_STORE_PROJECT_ID": &cfg.StoreProjectID,
		"CMX_CHAT_BOT_TOKEN":   &cfg.ChatBotToken,
		"CMX_REPORT_ROOM_ID":   &cfg.ReportRoomID,
		"CMX_ACTION_ROOM_ID":   &cfg.ActionRoomID,
		"CMX_MQTT_BIND":        &cfg.MQTTBindAddress,
		"CMX_MQTT_BROKER_URL":  &cfg.MQTTBrokerURL,
		"CMX_STORE_BACKEND":    &cfg.StoreBackend,
		"CMX_DATABASE_PATH":    &cfg.DatabasePath,
		"CMX_DYNAMO_ENDPOINT":  &cfg.DynamoEndpoint,
		"CMX_DYNAMO_REGION":    &cfg.DynamoRegion,
		"CMX_WEBEX_BASE_URL":   &cfg.WebexBaseURL,
		"CMX_OTLP_ENDPOINT":    &cfg.OTLPEndpoint,
		"CMX_LOG_LEVEL":        &cfg.LogLevel,
	}
	for name, dst := range stringVars {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"CMX_HTTP_PORT":        &cfg.HTTPPort,
		"CMX_EFFECT_RETRIES":   &cfg.EffectRetries,
		"CMX_RATE_LIMIT_RPS":   &cfg.RateLimitRPS,
		"CMX_RATE_LIMIT_BURST": &cfg.RateLimitBurst,
	}
	for name, dst := range intVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	if v := os.Getenv("CMX_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CMX_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return cfg, nil
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	if c.SharedSecret == "" {
		errs = append(errs, errors.New("shared secret is required"))
	}
	switch strings.ToLower(c.StoreBackend) {
	case BackendSQLite, BackendDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if c.MQTTBrokerURL != "" {
		if u, err := url.Parse(c.MQTTBrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid mqtt broker url %q", c.MQTTBrokerURL))
		}
	}
	if c.EffectRetries < 0 {
		errs = append(errs, fmt.Errorf("effect retries must not be negative"))
	}

	return errors.Join(errs...)
}

// ScanningTopic is the topic inbound envelopes are republished on.
func (c Config) ScanningTopic() string {
	return "projects/" + c.StoreProjectID + "/topics/scanning-api-post"
}

// CustomerTopic is the topic match events are published on.
func (c Config) CustomerTopic() string {
	return "projects/" + c.StoreProjectID + "/topics/customer-detected"
}
