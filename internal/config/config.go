// Package config loads Hailstorm's agent configuration: built-in
// defaults, overridden by an optional YAML file, overridden again by
// the `hs_*` environment variables of spec.md §6.
//
// Grounded on the teacher's internal/config.Load: defaults() struct
// literal → optional os.ExpandEnv'd YAML file → explicit env overrides,
// generalised here to also cover the two dotted-key maps spec.md §6
// names (`hs_upstream.<name>`, `hs_clients_distribution.<model>`),
// which the teacher's config has no equivalent of.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs spec.md §6 names under "Configuration
// (env)".
type Config struct {
	// Name is this agent's human-readable identity in AgentUpdate.Name.
	Name string `yaml:"name"`
	// AgentID is the 32-bit agent identity; zero means "choose randomly
	// at startup" per spec.md §3.
	AgentID uint32 `yaml:"agent_id"`

	// Address is hs_address: the listen address for the downstream
	// server.
	Address string `yaml:"address"`

	// Upstreams is hs_upstream.<name>=<url>: the parent map.
	Upstreams map[string]string `yaml:"upstreams"`

	// MaxRunningBots is hs_max_running_bots: the process-wide cap.
	MaxRunningBots int `yaml:"max_running_bots"`

	// ClientsDistribution is hs_clients_distribution.<model>: per-model
	// shape expressions for the LoadSim a controller issues;
	// cmd/hailstorm-agent also uses them, with ScriptPath, to load and
	// launch a simulation by itself at startup.
	ClientsDistribution map[string]string `yaml:"clients_distribution"`

	// ScriptPath is hs_script_path: where the bot model script is read
	// from before being embedded in a LoadSim command.
	ScriptPath string `yaml:"script_path"`

	NATS   NATSConfig   `yaml:"nats"`
	Export ExportConfig `yaml:"export"`
}

// NATSConfig configures the embedded local observability bus
// (internal/eventbus), never the agent-tree wire transport.
type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ExportConfig configures the optional CSV performance export of
// spec.md §6 ("Persisted state: Optional CSV export of performance
// snapshots").
type ExportConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

func defaults() Config {
	return Config{
		Address:        ":7946",
		MaxRunningBots: 100_000,
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Export: ExportConfig{
			Path: "data/performance.csv",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("hs_config")
	if path == "" {
		path = "config/hailstorm.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("hs_name"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("hs_agent_id"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.AgentID = uint32(id)
		}
	}
	if v := os.Getenv("hs_address"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("hs_max_running_bots"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRunningBots = n
		}
	}
	if v := os.Getenv("hs_script_path"); v != "" {
		cfg.ScriptPath = v
	}
	if v := os.Getenv("hs_export_enabled"); v != "" {
		cfg.Export.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("hs_export_path"); v != "" {
		cfg.Export.Path = v
	}
	if v := os.Getenv("hs_nats_port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = n
		}
	}

	applyDottedEnv(cfg)
}

// applyDottedEnv scans the process environment for the two dotted-key
// families spec.md §6 defines: hs_upstream.<name>=<url> and
// hs_clients_distribution.<model>=<shape expression>.
func applyDottedEnv(cfg *Config) {
	const upstreamPrefix = "hs_upstream."
	const distributionPrefix = "hs_clients_distribution."

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, upstreamPrefix):
			if cfg.Upstreams == nil {
				cfg.Upstreams = make(map[string]string)
			}
			cfg.Upstreams[strings.TrimPrefix(key, upstreamPrefix)] = value
		case strings.HasPrefix(key, distributionPrefix):
			if cfg.ClientsDistribution == nil {
				cfg.ClientsDistribution = make(map[string]string)
			}
			cfg.ClientsDistribution[strings.TrimPrefix(key, distributionPrefix)] = value
		}
	}
}
