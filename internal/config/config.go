package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds defines the tunable timing constants for detection and health
// evaluation. Exact values are operational tuning, not invariants.
type Thresholds struct {
	DedupWindow        time.Duration `yaml:"dedup_window"`
	NoiseWindow        time.Duration `yaml:"noise_window"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
	QuietWarn          time.Duration `yaml:"quiet_warn"`
	QuietReconnect     time.Duration `yaml:"quiet_reconnect"`
}

// Config defines runtime configuration for the charge pipeline.
type Config struct {
	Thresholds      Thresholds    `yaml:"thresholds"`
	ChargePowerKW   float64       `yaml:"charge_power_kw"`
	HomeLatitude    string        `yaml:"home_latitude"`
	HomeLongitude   string        `yaml:"home_longitude"`
	SpotPriceArea   string        `yaml:"spot_price_area"`
	ReconnectBudget int           `yaml:"reconnect_budget"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
}

// Load reads config from the optional yaml file named by CHARGE_CONFIG and
// fills the remainder from env / defaults.
func Load() (Config, error) {
	cfg := Config{
		Thresholds: Thresholds{
			DedupWindow:        getenvDuration("DEDUP_WINDOW", 90*time.Second),
			NoiseWindow:        getenvDuration("NOISE_WINDOW", 30*time.Second),
			MaxSessionDuration: getenvDuration("MAX_SESSION_DURATION", 12*time.Hour),
			QuietWarn:          getenvDuration("QUIET_WARN", 5*time.Minute),
			QuietReconnect:     getenvDuration("QUIET_RECONNECT", 15*time.Minute),
		},
		ChargePowerKW:   getenvFloatDefault("CHARGE_POWER_KW", 10.5),
		HomeLatitude:    getenvDefault("HOME_LATITUDE", ""),
		HomeLongitude:   getenvDefault("HOME_LONGITUDE", ""),
		SpotPriceArea:   getenvDefault("SPOT_PRICE_AREA", "DK2"),
		ReconnectBudget: getenvIntDefault("RECONNECT_BUDGET", 6),
		BackoffBase:     getenvDuration("BACKOFF_BASE", 5*time.Second),
		BackoffCap:      getenvDuration("BACKOFF_CAP", 5*time.Minute),
	}

	if path := os.Getenv("CHARGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Thresholds.QuietWarn <= 0 || c.Thresholds.QuietReconnect <= 0 {
		return errors.New("config: quiet thresholds must be positive")
	}
	if c.Thresholds.QuietReconnect <= c.Thresholds.QuietWarn {
		return errors.New("config: quiet_reconnect must exceed quiet_warn")
	}
	if c.Thresholds.DedupWindow <= 0 || c.Thresholds.NoiseWindow <= 0 || c.Thresholds.MaxSessionDuration <= 0 {
		return errors.New("config: detection windows must be positive")
	}
	if c.Thresholds.NoiseWindow >= c.Thresholds.MaxSessionDuration {
		return errors.New("config: noise_window must be shorter than max_session_duration")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return errors.New("config: invalid backoff bounds")
	}
	if c.ReconnectBudget <= 0 {
		return errors.New("config: reconnect_budget must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
