package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/danmuck/usock/internal/peer"
	"github.com/danmuck/usock/internal/protocol/frame"
	"github.com/danmuck/usock/internal/protocol/handshake"
	"github.com/danmuck/usock/internal/rendezvous"
	"github.com/danmuck/usock/internal/security"
)

var ErrInvalidConfig = errors.New("client: invalid config")

// Config carries the local identity and the connection defaults.
type Config struct {
	Role     rendezvous.Role
	Identity peer.ID
	// Version is the protocol revision this client speaks.
	Version          string
	SerializationTag string
	DataStoreTag     string
	// FullyDescribed announces self-describing buffers instead of compact.
	FullyDescribed bool
	// Security names the provider used for credentials and the interactive
	// exchange. It must be present in Registry.
	Security     string
	Registry     *security.Registry
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	Limits       frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Role:             rendezvous.RoleClient,
		Identity:         peer.ID{Namespace: "usock.local"},
		Version:          handshake.ExtensionsSince.String(),
		SerializationTag: "v20",
		DataStoreTag:     "hash",
		Security:         "native",
		Registry:         security.DefaultRegistry(),
		AckTimeout:       2 * time.Second,
		WriteTimeout:     15 * time.Second,
		Limits:           frame.DefaultLimits(),
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Identity.Namespace) == "" {
		c.Identity.Namespace = def.Identity.Namespace
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = def.Version
	}
	if c.SerializationTag == "" {
		c.SerializationTag = def.SerializationTag
	}
	if c.DataStoreTag == "" {
		c.DataStoreTag = def.DataStoreTag
	}
	if c.Security == "" {
		c.Security = def.Security
	}
	if c.Registry == nil {
		c.Registry = def.Registry
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity.Namespace) == "" {
		return fmt.Errorf("%w: identity namespace is required", ErrInvalidConfig)
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidConfig, c.Version, err)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidConfig)
	}
	if c.Registry == nil {
		return fmt.Errorf("%w: security registry is required", ErrInvalidConfig)
	}
	if _, err := c.Registry.Lookup(c.Security); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) bufferDescription() handshake.BufferDescription {
	if c.FullyDescribed {
		return handshake.BufferFullyDescribed
	}
	return handshake.BufferCompact
}
