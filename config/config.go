// Package config loads the hub's process configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/edgehub/hub/logging"
)

// Config holds the environment-derived settings the hub needs at
// startup. All fields except LoggerLevel are required.
type Config struct {
	MQTTURL     string
	MQTTPort    int
	ServerURL   string
	RouterMAC   string
	LoggerLevel string
}

// Load reads MQTT_URL, MQTT_PORT, SERVER_URL, ROUTER_MAC and
// LOGGER_LEVEL from the environment. It fails fast: a missing required
// variable, or a non-integer MQTT_PORT, returns an error before any
// subsystem is constructed.
func Load() (Config, error) {
	cfg := Config{
		MQTTURL:     strings.TrimSpace(os.Getenv("MQTT_URL")),
		ServerURL:   strings.TrimSpace(os.Getenv("SERVER_URL")),
		RouterMAC:   strings.TrimSpace(os.Getenv("ROUTER_MAC")),
		LoggerLevel: strings.TrimSpace(os.Getenv("LOGGER_LEVEL")),
	}

	if cfg.MQTTURL == "" {
		return Config{}, fmt.Errorf("config: MQTT_URL is required")
	}
	if cfg.ServerURL == "" {
		return Config{}, fmt.Errorf("config: SERVER_URL is required")
	}
	if cfg.RouterMAC == "" {
		return Config{}, fmt.Errorf("config: ROUTER_MAC is required")
	}

	portStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if portStr == "" {
		return Config{}, fmt.Errorf("config: MQTT_PORT is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Config{}, fmt.Errorf("config: MQTT_PORT must be an integer: %w", err)
	}
	cfg.MQTTPort = port

	if cfg.LoggerLevel == "" {
		cfg.LoggerLevel = logging.DefaultLevel
	}
	if _, err := logging.ParseLevel(cfg.LoggerLevel); err != nil {
		return Config{}, fmt.Errorf("config: LOGGER_LEVEL invalid: %w", err)
	}

	return cfg, nil
}
