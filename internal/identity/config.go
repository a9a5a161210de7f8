package identity

import (
	"errors"
	"time"
)

var (
	// ErrEmptySeed is returned when no identity seed is configured
	ErrEmptySeed = errors.New("identity seed cannot be empty")
	// ErrEmptyKeyName is returned when an agent or user key name is missing
	ErrEmptyKeyName = errors.New("identity key name cannot be empty")
	// ErrInvalidTokenDuration is returned for a non-positive token duration
	ErrInvalidTokenDuration = errors.New("token duration must be positive")
)

// DefaultTokenDuration is the lifetime of issued bearer tokens.
const DefaultTokenDuration = time.Hour

// Config holds the secrets and names identities are derived from.
type Config struct {
	Seed          string        `mapstructure:"seed"`
	AgentKey      string        `mapstructure:"agentKey"`
	UserKey       string        `mapstructure:"userKey"`
	TokenDuration time.Duration `mapstructure:"tokenDuration"`
	// Audience is stamped into tokens, usually the directory host name.
	Audience string `mapstructure:"audience"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TokenDuration == 0 {
		c.TokenDuration = DefaultTokenDuration
	}
	if c.AgentKey == "" {
		c.AgentKey = "twinmesh-agent"
	}
	if c.UserKey == "" {
		c.UserKey = "twinmesh-user"
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Seed == "" {
		return ErrEmptySeed
	}
	if c.AgentKey == "" || c.UserKey == "" {
		return ErrEmptyKeyName
	}
	if c.TokenDuration <= 0 {
		return ErrInvalidTokenDuration
	}
	return nil
}
