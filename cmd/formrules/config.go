package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// loadConfig builds the service configuration: tier defaults, then the
// optional YAML file named by FORMRULES_CONFIG, then environment overrides.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if getenv("FORMRULES_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path := getenv("FORMRULES_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config, getenv func(string) string) error {
	if v := getenv("FORMRULES_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid FORMRULES_PORT %q", v)
		}
		cfg.Server.Port = port
	}
	if v := getenv("FORMRULES_DB_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := getenv("FORMRULES_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv("FORMRULES_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := getenv("FORMRULES_TENANTS"); v != "" {
		cfg.Worker.TenantIDs = splitList(v)
	}

	flags := []struct {
		name string
		dst  *bool
	}{
		{"FORMRULES_ASYNC_WORKER", &cfg.Worker.Enabled},
		{"FORMRULES_PARTIAL_MATCH_DERIVES", &cfg.Engine.PartialMatchDerives},
		{"FORMRULES_PROPAGATE_NON_FINITE", &cfg.Engine.PropagateNonFinite},
	}
	for _, f := range flags {
		v := getenv(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, v, err)
		}
		*f.dst = b
	}

	if getenv("FORMRULES_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
