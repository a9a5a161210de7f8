// Package config loads the daemon configuration from a YAML file and TWINMESH_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	grpcdir "github.com/rmacdonaldsmith/twinmesh-go/internal/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/identity"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/logging"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/runner"
	"github.com/rmacdonaldsmith/twinmesh-go/internal/sink"
)

// EnvPrefix prefixes environment overrides, e.g. TWINMESH_HOST_DNS.
const EnvPrefix = "TWINMESH"

var (
	// ErrNoDirectory is returned when neither an address, a host nor the embedded directory is configured
	ErrNoDirectory = errors.New("one of host.dns, host.grpcAddress or directory.embedded is required")
	// ErrInvalidPort is returned for an out of range HTTP port
	ErrInvalidPort = errors.New("http port must be between 1 and 65535")
	// ErrMissingSecret is returned when authentication is enabled without a secret
	ErrMissingSecret = errors.New("http.secretKey is required unless http.noAuth is set")
	// ErrInvalidWorkers is returned for a non-positive executor size
	ErrInvalidWorkers = errors.New("executor.workers must be positive")
)

// HostConfig locates the directory host.
type HostConfig struct {
	// DNS is resolved through the host's index.json when GRPCAddress is empty
	DNS            string        `mapstructure:"dns"`
	GRPCAddress    string        `mapstructure:"grpcAddress"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
	Insecure       bool          `mapstructure:"insecure"`
	MaxMessageSize int           `mapstructure:"maxMessageSize"`
}

// Directory returns the client configuration for address.
func (h HostConfig) Directory(address string) *grpcdir.Config {
	c := &grpcdir.Config{
		Address:        address,
		DialTimeout:    h.DialTimeout,
		MaxMessageSize: h.MaxMessageSize,
		Insecure:       h.Insecure,
	}
	c.SetDefaults()
	return c
}

// ExecutorConfig sizes the worker pool used for outbound calls.
type ExecutorConfig struct {
	Workers int `mapstructure:"workers"`
}

// HTTPConfig configures the gateway.
type HTTPConfig struct {
	Port      int    `mapstructure:"port"`
	SecretKey string `mapstructure:"secretKey"`
	NoAuth    bool   `mapstructure:"noAuth"`
}

// NATSConfig configures the NATS record sink. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// SinkConfig selects where followed records are written besides the gateway.
type SinkConfig struct {
	Stdout bool       `mapstructure:"stdout"`
	NATS   NATSConfig `mapstructure:"nats"`
}

// EmbeddedConfig runs an in-process directory, for development.
type EmbeddedConfig struct {
	Embedded bool   `mapstructure:"embedded"`
	Listen   string `mapstructure:"listen"`
	HostID   string `mapstructure:"hostId"`
}

// Config is the complete daemon configuration.
type Config struct {
	Log       logging.Config  `mapstructure:"log"`
	Host      HostConfig      `mapstructure:"host"`
	Identity  identity.Config `mapstructure:"identity"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Engine    engine.Config   `mapstructure:"engine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Directory EmbeddedConfig  `mapstructure:"directory"`
}

// defaults registers every key so that environment overrides apply even when
// the file does not mention them.
var defaults = map[string]any{
	"log.level":                          "info",
	"log.development":                    false,
	"host.dns":                           "",
	"host.grpcAddress":                   "",
	"host.dialTimeout":                   "10s",
	"host.insecure":                      false,
	"host.maxMessageSize":                4 * 1024 * 1024,
	"identity.seed":                      "",
	"identity.agentKey":                  "twinmesh-agent",
	"identity.userKey":                   "twinmesh-user",
	"identity.tokenDuration":             "3600s",
	"identity.audience":                  "",
	"executor.workers":                   runner.DefaultWorkers,
	"engine.publishTimeout":              "30s",
	"engine.defaultSearchExpiry":         "5s",
	"engine.resubscribe.initialInterval": "50ms",
	"engine.resubscribe.maxInterval":     "5s",
	"http.port":                          8080,
	"http.secretKey":                     "",
	"http.noAuth":                        false,
	"sink.stdout":                        false,
	"sink.nats.url":                      "",
	"sink.nats.subjectPrefix":            sink.DefaultSubjectPrefix,
	"directory.embedded":                 false,
	"directory.listen":                   "127.0.0.1:10001",
	"directory.hostId":                   "",
}

// Load reads path (optional) and the environment, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Identity.SetDefaults()
	c.Engine.SetDefaults()
	if c.Executor.Workers == 0 {
		c.Executor.Workers = runner.DefaultWorkers
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Sink.NATS.SubjectPrefix == "" {
		c.Sink.NATS.SubjectPrefix = sink.DefaultSubjectPrefix
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Host.DNS == "" && c.Host.GRPCAddress == "" && !c.Directory.Embedded {
		return ErrNoDirectory
	}
	if c.Executor.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return ErrInvalidPort
	}
	if !c.HTTP.NoAuth && c.HTTP.SecretKey == "" {
		return ErrMissingSecret
	}
	return nil
}
