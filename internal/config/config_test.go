package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/logging"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	c, err := Load("", logging.NoOp())
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTP.Address)
	assert.Equal(t, "oncallforge", c.ServiceName)
	assert.Equal(t, 5, c.Providers.SMSBreakerMaxFail)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  address: \":9090\"\nservice_name: oncallforge-staging\n"), 0o600))

	c, err := Load(path, logging.NoOp())
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.HTTP.Address)
	assert.Equal(t, "oncallforge-staging", c.ServiceName)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), logging.NoOp())
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Address, c.HTTP.Address)
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  address: \":9090\"\n"), 0o600))

	t.Setenv("OCF_HTTP_ADDRESS", ":7070")
	t.Setenv("OCF_HTTP_READ_TIMEOUT", "5s")
	t.Setenv("OCF_POSTGRES_DSN", "postgres://test/db")
	t.Setenv("OCF_SMS_BREAKER_MAX_FAILURES", "9")

	c, err := Load(path, logging.NoOp())
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.HTTP.Address)
	assert.Equal(t, 5*time.Second, c.HTTP.ReadTimeout)
	assert.Equal(t, "postgres://test/db", c.Postgres.DSN)
	assert.Equal(t, 9, c.Providers.SMSBreakerMaxFail)
}

func TestLoad_InvalidEnvValueIsIgnored(t *testing.T) {
	t.Setenv("OCF_SMS_BREAKER_MAX_FAILURES", "not-a-number")
	c, err := Load("", logging.NoOp())
	require.NoError(t, err)
	assert.Equal(t, 5, c.Providers.SMSBreakerMaxFail)
}

func TestValidate_RequiresPostgresAndRedis(t *testing.T) {
	c := Default()
	c.Postgres.DSN = ""
	require.Error(t, c.Validate())

	c = Default()
	c.Redis.Addr = ""
	require.Error(t, c.Validate())

	c = Default()
	require.NoError(t, c.Validate())
}
