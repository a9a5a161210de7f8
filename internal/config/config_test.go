package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/runner"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twinmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
host:
  dns: host.example.com
  insecure: true
identity:
  seed: abc123
  tokenDuration: 10m
engine:
  publishTimeout: 5s
  resubscribe:
    initialInterval: 100ms
    maxInterval: 2s
http:
  port: 9090
  secretKey: s3cret
sink:
  nats:
    url: nats://localhost:4222
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "host.example.com", c.Host.DNS)
	assert.True(t, c.Host.Insecure)
	assert.Equal(t, 10*time.Second, c.Host.DialTimeout)
	assert.Equal(t, "abc123", c.Identity.Seed)
	assert.Equal(t, 10*time.Minute, c.Identity.TokenDuration)
	assert.Equal(t, "twinmesh-agent", c.Identity.AgentKey)
	assert.Equal(t, 5*time.Second, c.Engine.PublishTimeout)
	assert.Equal(t, 5*time.Second, c.Engine.DefaultSearchExpiry)
	assert.Equal(t, 100*time.Millisecond, c.Engine.Resubscribe.InitialInterval)
	assert.Equal(t, runner.DefaultWorkers, c.Executor.Workers)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.Equal(t, "nats://localhost:4222", c.Sink.NATS.URL)
	assert.Equal(t, "twinmesh.feeds", c.Sink.NATS.SubjectPrefix)

	dir := c.Host.Directory("grpc.example.com:10001")
	assert.Equal(t, "grpc.example.com:10001", dir.Address)
	assert.True(t, dir.Insecure)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
identity:
  seed: from-file
http:
  noAuth: true
directory:
  embedded: true
`)
	t.Setenv("TWINMESH_IDENTITY_SEED", "from-env")
	t.Setenv("TWINMESH_EXECUTOR_WORKERS", "4")
	t.Setenv("TWINMESH_ENGINE_PUBLISHTIMEOUT", "1m")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Identity.Seed)
	assert.Equal(t, 4, c.Executor.Workers)
	assert.Equal(t, time.Minute, c.Engine.PublishTimeout)
	assert.True(t, c.Directory.Embedded)
	assert.Equal(t, "127.0.0.1:10001", c.Directory.Listen)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("TWINMESH_IDENTITY_SEED", "seed")
	t.Setenv("TWINMESH_HOST_GRPCADDRESS", "localhost:10001")
	t.Setenv("TWINMESH_HTTP_SECRETKEY", "k")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:10001", c.Host.GRPCAddress)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{}
		c.Identity.Seed = "s"
		c.Host.GRPCAddress = "localhost:1"
		c.HTTP.SecretKey = "k"
		c.SetDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"no_directory", func(c *Config) { c.Host.GRPCAddress = "" }, ErrNoDirectory},
		{"bad_port", func(c *Config) { c.HTTP.Port = 70000 }, ErrInvalidPort},
		{"missing_secret", func(c *Config) { c.HTTP.SecretKey = "" }, ErrMissingSecret},
		{"no_auth_needs_no_secret", func(c *Config) { c.HTTP.SecretKey = ""; c.HTTP.NoAuth = true }, nil},
		{"bad_workers", func(c *Config) { c.Executor.Workers = -1 }, ErrInvalidWorkers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("missing_seed", func(t *testing.T) {
		_, err := Load(writeConfig(t, "http:\n  noAuth: true\ndirectory:\n  embedded: true\n"))
		assert.Error(t, err)
	})
}
