package client

import (
	"testing"
	"time"

	"github.com/danmuck/usock/internal/protocol/handshake"
	"github.com/danmuck/usock/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, handshake.BufferCompact, cfg.bufferDescription())
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{FullyDescribed: true, Security: "none"}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "v20", cfg.SerializationTag)
	assert.Equal(t, "hash", cfg.DataStoreTag)
	assert.Equal(t, "none", cfg.Security)
	assert.Equal(t, handshake.BufferFullyDescribed, cfg.bufferDescription())
	assert.NotZero(t, cfg.Limits.MaxPayloadBytes)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"version":  func(c *Config) { c.Version = "two" },
		"timeout":  func(c *Config) { c.AckTimeout = 0 },
		"module":   func(c *Config) { c.Security = "kerberos" },
		"registry": func(c *Config) { c.Registry = nil },
		"identity": func(c *Config) { c.Identity.Namespace = " " },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Security = "kerberos"
	assert.ErrorIs(t, cfg.Validate(), security.ErrUnknownModule)
}
