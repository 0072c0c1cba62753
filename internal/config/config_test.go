package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CMX_CONFIG_FILE", "CMX_SHARED_SECRET", "CMX_VALIDATOR_TOKEN", "CMX_STORE_PROJECT_ID",
		"CMX_CHAT_BOT_TOKEN", "CMX_REPORT_ROOM_ID", "CMX_ACTION_ROOM_ID", "CMX_HTTP_PORT",
		"CMX_MQTT_BIND", "CMX_MQTT_BROKER_URL", "CMX_STORE_BACKEND", "CMX_DATABASE_PATH",
		"CMX_DYNAMO_ENDPOINT", "CMX_DYNAMO_REGION", "CMX_WEBEX_BASE_URL", "CMX_OTLP_ENDPOINT",
		"CMX_EFFECT_RETRIES", "CMX_RATE_LIMIT_RPS", "CMX_RATE_LIMIT_BURST", "CMX_MDNS_ENABLED",
		"CMX_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":1883", cfg.MQTTBindAddress)
	assert.Empty(t, cfg.MQTTBrokerURL, "topics stay on the embedded broker by default")
	assert.Equal(t, "serverless-cmx", cfg.StoreProjectID)
	assert.Equal(t, config.BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "https://webexapis.com", cfg.WebexBaseURL)
	assert.Equal(t, 2, cfg.EffectRetries)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.MDNSEnabled)

	// No shared secret by default, so the service refuses to start.
	assert.Error(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CMX_SHARED_SECRET", "gcp-meraki-secret")
	t.Setenv("CMX_STORE_PROJECT_ID", "retail-demo")
	t.Setenv("CMX_HTTP_PORT", "9091")
	t.Setenv("CMX_STORE_BACKEND", "dynamodb")
	t.Setenv("CMX_MDNS_ENABLED", "true")
	t.Setenv("CMX_EFFECT_RETRIES", "0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "gcp-meraki-secret", cfg.SharedSecret)
	assert.Equal(t, 9091, cfg.HTTPPort)
	assert.Equal(t, config.BackendDynamoDB, cfg.StoreBackend)
	assert.True(t, cfg.MDNSEnabled)
	assert.Equal(t, 0, cfg.EffectRetries)
	assert.Equal(t, "projects/retail-demo/topics/scanning-api-post", cfg.ScanningTopic())
	assert.Equal(t, "projects/retail-demo/topics/customer-detected", cfg.CustomerTopic())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("CMX_HTTP_PORT", "eighty")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CMX_HTTP_PORT")
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "cmx.yaml")
	body := []byte(`
shared_secret: from-file
report_room_id: room-report
action_room_id: room-action
http_port: 7000
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("CMX_CONFIG_FILE", path)
	t.Setenv("CMX_HTTP_PORT", "7001")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.SharedSecret)
	assert.Equal(t, "room-report", cfg.ReportRoomID)
	assert.Equal(t, "room-action", cfg.ActionRoomID)
	assert.Equal(t, 7001, cfg.HTTPPort)
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := config.Config{SharedSecret: "x", StoreBackend: "datastore", HTTPPort: 8080}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datastore")
}

func TestValidate_MQTTBrokerURL(t *testing.T) {
	base := config.Config{SharedSecret: "s", StoreBackend: config.BackendSQLite, HTTPPort: 8080}

	cases := []struct {
		url   string
		valid bool
	}{
		{"", true},
		{"tcp://mqtt.internal:1883", true},
		{"ssl://mqtt.example.com:8883", true},
		{"mqtt.internal:1883", false},
		{"tcp://", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			cfg := base
			cfg.MQTTBrokerURL = tc.url
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "mqtt broker url")
			}
		})
	}
}
