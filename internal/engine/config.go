package engine

import (
	"errors"
	"time"
)

var (
	// ErrInvalidPublishTimeout is returned when the publish timeout is not positive
	ErrInvalidPublishTimeout = errors.New("publish timeout must be positive")
	// ErrInvalidSearchExpiry is returned when the default search expiry is not positive
	ErrInvalidSearchExpiry = errors.New("default search expiry must be positive")
	// ErrInvalidBackOff is returned for an inconsistent resubscribe policy
	ErrInvalidBackOff = errors.New("resubscribe intervals must be positive and initial <= max")
)

// BackOffConfig paces resubscription after a token expiry.
type BackOffConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval" yaml:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval" yaml:"maxInterval"`
}

// Config represents configuration for an Engine.
type Config struct {
	// PublishTimeout bounds the wait for a publish batch to resolve
	PublishTimeout time.Duration `mapstructure:"publishTimeout" yaml:"publishTimeout"`

	// DefaultSearchExpiry applies to searches that do not set one
	DefaultSearchExpiry time.Duration `mapstructure:"defaultSearchExpiry" yaml:"defaultSearchExpiry"`

	// Resubscribe paces follow subscriptions re-opened after a token expiry
	Resubscribe BackOffConfig `mapstructure:"resubscribe" yaml:"resubscribe"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.DefaultSearchExpiry == 0 {
		c.DefaultSearchExpiry = 5 * time.Second
	}
	if c.Resubscribe.InitialInterval == 0 {
		c.Resubscribe.InitialInterval = 50 * time.Millisecond
	}
	if c.Resubscribe.MaxInterval == 0 {
		c.Resubscribe.MaxInterval = 5 * time.Second
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.PublishTimeout <= 0 {
		return ErrInvalidPublishTimeout
	}
	if c.DefaultSearchExpiry <= 0 {
		return ErrInvalidSearchExpiry
	}
	if c.Resubscribe.InitialInterval <= 0 || c.Resubscribe.MaxInterval < c.Resubscribe.InitialInterval {
		return ErrInvalidBackOff
	}
	return nil
}
