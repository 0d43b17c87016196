// Package config - Node configuration loaded from yaml with CLI overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Node holds runtime configuration for the easyswap daemon.
type Node struct {
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`

	Ledger struct {
		URL          string `yaml:"url"`
		TimeoutSecs  int    `yaml:"timeout,omitempty"`
		TreasuryText string `yaml:"treasury,omitempty"`
	} `yaml:"ledger"`

	Chain struct {
		SourceAURL string `yaml:"source_a"`
		SourceBURL string `yaml:"source_b"`
		ArchiveURL string `yaml:"archive"`
	} `yaml:"chain"`

	Oracle struct {
		RateURL     string `yaml:"rate_url"`
		FallbackURL string `yaml:"fallback_url,omitempty"`
	} `yaml:"oracle"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`

	Admin struct {
		PrincipalText string `yaml:"principal,omitempty"`
	} `yaml:"admin"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultNode returns a node configuration with public mainnet endpoints.
func DefaultNode() *Node {
	cfg := &Node{}
	cfg.Storage.DataDir = "~/.easyswap"
	cfg.Ledger.URL = "http://127.0.0.1:9090"
	cfg.Chain.SourceAURL = "https://api.whatsonchain.com/v1/bsv/main"
	cfg.Chain.SourceBURL = "https://api.bitails.io"
	cfg.Chain.ArchiveURL = "http://127.0.0.1:9091"
	cfg.Oracle.RateURL = "http://127.0.0.1:9092"
	cfg.API.Addr = "127.0.0.1:8080"
	cfg.Logging.Level = "info"
	return cfg
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), "config.yaml")
}

// LoadNode loads the node config from <dataDir>/config.yaml, writing the
// defaults there on first run.
func LoadNode(dataDir string) (*Node, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultNode()
		cfg.Storage.DataDir = dataDir
		if err := SaveNode(cfg, dataDir); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultNode()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Storage.DataDir = dataDir
	return cfg, nil
}

// SaveNode writes the node config to <dataDir>/config.yaml.
func SaveNode(cfg *Node, dataDir string) error {
	dir := ExpandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
