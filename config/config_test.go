package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_URL", "MQTT_PORT", "SERVER_URL", "ROUTER_MAC", "LOGGER_LEVEL"} {
		os.Unsetenv(k)
	}
}

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadSuccess(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		"MQTT_URL":   "tcp://localhost",
		"MQTT_PORT":  "1883",
		"SERVER_URL": "wss://cloud.example.com/hub",
		"ROUTER_MAC": "aa:bb:cc:dd:ee:ff",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost", cfg.MQTTURL)
	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, "wss://cloud.example.com/hub", cfg.ServerURL)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", cfg.RouterMAC)
	assert.Equal(t, "info", cfg.LoggerLevel)
}

func TestLoadMissingRequired(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		"MQTT_URL":  "tcp://localhost",
		"MQTT_PORT": "1883",
	})

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadBadPort(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		"MQTT_URL":   "tcp://localhost",
		"MQTT_PORT":  "not-a-number",
		"SERVER_URL": "wss://cloud.example.com/hub",
		"ROUTER_MAC": "aa:bb:cc:dd:ee:ff",
	})

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadBadLoggerLevel(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		"MQTT_URL":     "tcp://localhost",
		"MQTT_PORT":    "1883",
		"SERVER_URL":   "wss://cloud.example.com/hub",
		"ROUTER_MAC":   "aa:bb:cc:dd:ee:ff",
		"LOGGER_LEVEL": "verbose",
	})

	_, err := Load()
	assert.Error(t, err)
}
