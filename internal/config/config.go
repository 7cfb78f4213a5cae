// Package config loads service configuration from an optional YAML file and
// applies environment overrides on top, so deployments can run with nothing
// but DATABASE_URL and RELAY_SECRET set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values in time.ParseDuration notation ("25s", "1h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`

	// ServiceName tags every log line; defaults to "relay-core".
	ServiceName string `yaml:"service_name"`

	// RelaySecret derives the at-rest encryption key. Required.
	RelaySecret string `yaml:"relay_secret"`

	// CommandCost, CommandTTL, AllowedRoots, and PairingCodeTTL feed the
	// operator-facing relay service (internal/relay), which the chat
	// front-end constructs in-process; the binary itself only serves the
	// device HTTP surface and reads the remaining settings.

	// CommandCost is the fixed per-command charge in credits.
	CommandCost int32 `yaml:"command_cost"`

	// CommandTTL bounds a command's lifetime from creation.
	CommandTTL Duration `yaml:"command_ttl"`

	// PollTimeout bounds how long a device long-poll is held open;
	// PollInterval is the recheck cadence while holding it.
	PollTimeout  Duration `yaml:"poll_timeout"`
	PollInterval Duration `yaml:"poll_interval"`

	// ClaimBatch caps how many commands one poll may claim.
	ClaimBatch int32 `yaml:"claim_batch"`

	// AllowedRoots are absolute path prefixes file commands may touch
	// without operator confirmation.
	AllowedRoots []string `yaml:"allowed_roots"`

	// PairingCodeTTL bounds how long an issued pairing code stays valid.
	PairingCodeTTL Duration `yaml:"pairing_code_ttl"`
}

func defaults() Config {
	return Config{
		HTTPAddr:       ":8082",
		LogLevel:       "info",
		CommandCost:    1,
		CommandTTL:     Duration(time.Hour),
		PollTimeout:    Duration(25 * time.Second),
		PollInterval:   Duration(500 * time.Millisecond),
		ClaimBatch:     5,
		PairingCodeTTL: Duration(10 * time.Minute),
	}
}

// Load reads the YAML file at path (missing file is fine: defaults apply)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file: env + defaults only.
		case err != nil:
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(500 * time.Millisecond)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = Duration(25 * time.Second)
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 5
	}
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = Duration(time.Hour)
	}
	if cfg.CommandCost < 0 {
		cfg.CommandCost = 0
	}
	if cfg.PairingCodeTTL <= 0 {
		cfg.PairingCodeTTL = Duration(10 * time.Minute)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.ServiceName, "SERVICE_NAME")
	setString(&cfg.RelaySecret, "RELAY_SECRET")
	setInt32(&cfg.CommandCost, "COMMAND_COST")
	setDuration(&cfg.CommandTTL, "COMMAND_TTL")
	setDuration(&cfg.PollTimeout, "POLL_TIMEOUT")
	setDuration(&cfg.PollInterval, "POLL_INTERVAL")
	setInt32(&cfg.ClaimBatch, "CLAIM_BATCH")
	setStringList(&cfg.AllowedRoots, "ALLOWED_ROOTS")
	setDuration(&cfg.PairingCodeTTL, "PAIRING_CODE_TTL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStringList splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func setStringList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
