// Package config loads the process configuration from the environment once
// at startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet/pin"
)

const (
	BackendHCI   = "hci"
	BackendBlueZ = "bluez"
)

type Config struct {
	APIEndpoint string
	APIKey      string
	DeviceID    string

	EmailTo        string
	EmailFrom      string
	SendGridAPIKey string
	TestEmail      bool

	PollingInterval time.Duration
	TickInterval    time.Duration
	ReadTimeout     time.Duration
	SettleDelay     time.Duration

	DeviceNameFilter   string
	Backend            string
	BLEDevice          string
	PairingPIN         *uint32
	ResetAfterFailures int

	AlertMinInterval time.Duration

	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string

	MetricsAddr string
	LogLevel    log.Level
}

// HCIDeviceID returns N for a BLEDevice of the form hciN.
func (c Config) HCIDeviceID() (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(c.BLEDevice, "hci"))
	if err != nil || !strings.HasPrefix(c.BLEDevice, "hci") {
		return 0, fmt.Errorf("invalid BLE_DEVICE %q (want hciN)", c.BLEDevice)
	}
	return id, nil
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIEndpoint:      env("API_ENDPOINT"),
		APIKey:           env("API_KEY"),
		DeviceID:         env("DEVICE_ID"),
		EmailTo:          env("EMAIL_TO"),
		EmailFrom:        env("EMAIL_FROM"),
		SendGridAPIKey:   env("SENDGRID_API_KEY"),
		DeviceNameFilter: envDefault("DEVICE_NAME_FILTER", "Aranet4"),
		Backend:          strings.ToLower(envDefault("BLE_BACKEND", BackendHCI)),
		BLEDevice:        envDefault("BLE_DEVICE", "hci0"),
		MQTTBroker:       env("MQTT_BROKER"),
		MQTTTopicPrefix:  envDefault("MQTT_TOPIC_PREFIX", "aranet"),
		MQTTClientID:     envDefault("MQTT_CLIENT_ID", "aranet4-reporter"),
		MetricsAddr:      envDefault("METRICS_ADDR", ":8080"),
	}

	for _, req := range []struct{ key, value string }{
		{"API_ENDPOINT", cfg.APIEndpoint},
		{"API_KEY", cfg.APIKey},
		{"DEVICE_ID", cfg.DeviceID},
	} {
		if req.value == "" {
			return Config{}, fmt.Errorf("%s is required", req.key)
		}
	}
	u, err := url.Parse(cfg.APIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid API_ENDPOINT %q (want an http or https URL)", cfg.APIEndpoint)
	}

	if cfg.SendGridAPIKey != "" && (cfg.EmailTo == "" || cfg.EmailFrom == "") {
		return Config{}, fmt.Errorf("EMAIL_TO and EMAIL_FROM are required when SENDGRID_API_KEY is set")
	}

	if cfg.TestEmail, err = parseBool("TEST_EMAIL", false); err != nil {
		return Config{}, err
	}

	pollingMs, err := parseInt("POLLING_INTERVAL_MS", 300000)
	if err != nil {
		return Config{}, err
	}
	if pollingMs <= 0 {
		return Config{}, fmt.Errorf("POLLING_INTERVAL_MS must be positive, got %d", pollingMs)
	}
	cfg.PollingInterval = time.Duration(pollingMs) * time.Millisecond

	if cfg.TickInterval, err = parseDuration("TICK_INTERVAL", 10*time.Second, true); err != nil {
		return Config{}, err
	}
	if cfg.ReadTimeout, err = parseDuration("READ_TIMEOUT", 60*time.Second, true); err != nil {
		return Config{}, err
	}
	if cfg.SettleDelay, err = parseDuration("SETTLE_DELAY", time.Second, false); err != nil {
		return Config{}, err
	}
	if cfg.AlertMinInterval, err = parseDuration("ALERT_MIN_INTERVAL", 15*time.Minute, false); err != nil {
		return Config{}, err
	}

	switch cfg.Backend {
	case BackendHCI:
		if _, err := cfg.HCIDeviceID(); err != nil {
			return Config{}, err
		}
	case BackendBlueZ:
	default:
		return Config{}, fmt.Errorf("invalid BLE_BACKEND %q (allowed: hci, bluez)", cfg.Backend)
	}

	if s := env("PAIRING_PIN"); s != "" {
		p, err := pin.Parse(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAIRING_PIN: %w", err)
		}
		cfg.PairingPIN = &p
	}

	if cfg.ResetAfterFailures, err = parseInt("RESET_AFTER_FAILURES", 3); err != nil {
		return Config{}, err
	}
	if cfg.ResetAfterFailures < 0 {
		return Config{}, fmt.Errorf("RESET_AFTER_FAILURES must not be negative, got %d", cfg.ResetAfterFailures)
	}

	if cfg.LogLevel, err = ParseLogLevel(envDefault("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func ParseLogLevel(s string) (log.Level, error) {
	lvl, err := log.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid LOG_LEVEL %q (allowed: trace, debug, info, warn, error)", s)
	}
	return lvl, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func parseBool(key string, def bool) (bool, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func parseInt(key string, def int) (int, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func parseDuration(key string, def time.Duration, positive bool) (time.Duration, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if positive && d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}
