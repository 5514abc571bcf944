package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML form of a Config. Zero values leave the defaults in place.
type File struct {
	Debug                    bool   `yaml:"debug"`
	RootDir                  string `yaml:"root_dir"`
	LoggingPrefix            string `yaml:"logging_prefix"`
	AgentID                  string `yaml:"agent_id"`
	LookupTimeoutMs          int64  `yaml:"lookup_timeout_ms"`
	RequestTimeoutMs         int64  `yaml:"request_timeout_ms"`
	MaxLocalKeysPerCommunity int    `yaml:"max_local_keys_per_community"`
	ShareRetryBackoffMs      int64  `yaml:"share_retry_backoff_ms"`
	DefaultGraceMs           int64  `yaml:"default_grace_ms"`
	RelayURL                 string `yaml:"relay_url"`
	UserID                   string `yaml:"user_id"`
}

// LoadFile reads a YAML config file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	f := &File{}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
	}
	return f, nil
}

// Options converts the non-zero settings of f into options for NewConfig.
func (f *File) Options() []Option {
	opts := []Option{}
	if f.Debug {
		opts = append(opts, WithDebug(true))
	}
	if f.RootDir != "" {
		opts = append(opts, WithRootDir(f.RootDir))
	}
	if f.LoggingPrefix != "" {
		opts = append(opts, WithLoggingPrefix(f.LoggingPrefix))
	}
	if f.AgentID != "" {
		opts = append(opts, WithAgentID(f.AgentID))
	}
	if f.LookupTimeoutMs != 0 {
		opts = append(opts, WithLookupTimeoutMs(f.LookupTimeoutMs))
	}
	if f.RequestTimeoutMs != 0 {
		opts = append(opts, WithRequestTimeoutMs(f.RequestTimeoutMs))
	}
	if f.MaxLocalKeysPerCommunity != 0 {
		opts = append(opts, WithMaxLocalKeysPerCommunity(f.MaxLocalKeysPerCommunity))
	}
	if f.ShareRetryBackoffMs != 0 {
		opts = append(opts, WithShareRetryBackoffMs(f.ShareRetryBackoffMs))
	}
	if f.DefaultGraceMs != 0 {
		opts = append(opts, WithDefaultGraceMs(f.DefaultGraceMs))
	}
	return opts
}
