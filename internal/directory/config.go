package directory

import (
	"errors"
	"time"
)

var (
	// ErrEmptyAddress is returned when no directory address is configured
	ErrEmptyAddress = errors.New("directory address cannot be empty")
	// ErrNilTokenSource is returned when a client is built without credentials
	ErrNilTokenSource = errors.New("token source cannot be nil")
)

// Config holds the connection settings of the directory client.
type Config struct {
	Address        string
	DialTimeout    time.Duration
	MaxMessageSize int
	Insecure       bool
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrEmptyAddress
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024
	}
}
