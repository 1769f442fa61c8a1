package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/usock/internal/client"
	"github.com/danmuck/usock/internal/protocol/session"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/danmuck/usock/internal/security"
	"github.com/mitchellh/go-homedir"
)

const defaultConfigPath = "~/.usock/config.toml"

type fileConfig struct {
	Role             string   `toml:"role"`
	Namespace        string   `toml:"namespace"`
	Rank             uint32   `toml:"rank"`
	Version          string   `toml:"version"`
	Serialization    string   `toml:"serialization"`
	DataStore        string   `toml:"data_store"`
	FullyDescribed   bool     `toml:"fully_described"`
	Security         string   `toml:"security"`
	SharedKeyFile    string   `toml:"shared_key_file"`
	AckTimeout       string   `toml:"ack_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	MaxPayloadBytes  uint64   `toml:"max_payload_bytes"`
	ServerURI        string   `toml:"server_uri"`
	MetricsAddr      string   `toml:"metrics_addr"`
	CORSOrigins      []string `toml:"cors_origins"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryInitial     string   `toml:"retry_initial_delay"`
	RetryMax         string   `toml:"retry_max_delay"`
}

type cliConfig struct {
	Client      client.Config
	ServerURI   string
	MetricsAddr string
	CORSOrigins []string
	Retry       session.RetryPolicy
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Client:      client.DefaultConfig(),
		MetricsAddr: "127.0.0.1:9105",
		Retry:       session.DefaultRetryPolicy(),
	}
}

// loadCLIConfig reads path over the defaults. A missing file at the default
// location is not an error.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	explicit := strings.TrimSpace(path) != "" && path != defaultConfigPath
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return cliConfig{}, fmt.Errorf("expand config path: %w", err)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(expanded, &raw)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cliConfig{}, fmt.Errorf("load usock config: %w", err)
	}

	if meta.IsDefined("role") {
		role, err := rendezvous.ParseRole(raw.Role)
		if err != nil {
			return cliConfig{}, err
		}
		cfg.Client.Role = role
	}
	if meta.IsDefined("namespace") {
		if ns := strings.TrimSpace(raw.Namespace); ns != "" {
			cfg.Client.Identity.Namespace = ns
		}
	}
	if meta.IsDefined("rank") {
		cfg.Client.Identity.Rank = raw.Rank
	}
	if meta.IsDefined("version") {
		cfg.Client.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("serialization") {
		cfg.Client.SerializationTag = strings.TrimSpace(raw.Serialization)
	}
	if meta.IsDefined("data_store") {
		cfg.Client.DataStoreTag = strings.TrimSpace(raw.DataStore)
	}
	if meta.IsDefined("fully_described") {
		cfg.Client.FullyDescribed = raw.FullyDescribed
	}
	if meta.IsDefined("security") {
		cfg.Client.Security = strings.TrimSpace(raw.Security)
	}
	if meta.IsDefined("shared_key_file") {
		if err := useSharedKey(&cfg.Client, raw.SharedKeyFile); err != nil {
			return cliConfig{}, err
		}
	}
	if meta.IsDefined("ack_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.AckTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse ack_timeout: %w", err)
		}
		cfg.Client.AckTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.Client.WriteTimeout = d
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Client.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("server_uri") {
		cfg.ServerURI = strings.TrimSpace(raw.ServerURI)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("retry_max_attempts") {
		cfg.Retry.MaxAttempts = raw.RetryMaxAttempts
	}
	if meta.IsDefined("retry_initial_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryInitial))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse retry_initial_delay: %w", err)
		}
		cfg.Retry.Backoff.InitialDelay = d
	}
	if meta.IsDefined("retry_max_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryMax))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse retry_max_delay: %w", err)
		}
		cfg.Retry.Backoff.MaxDelay = d
	}

	return cfg, nil
}

// useSharedKey loads the key file and makes sharedkey the preferred module.
func useSharedKey(cfg *client.Config, path string) error {
	expanded, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("expand shared_key_file: %w", err)
	}
	key, err := security.LoadSharedKey(expanded)
	if err != nil {
		return err
	}
	cfg.Registry = security.NewRegistry(key, security.Native{}, security.None{})
	return nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
