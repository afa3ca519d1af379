package env

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Host    string        `env:"TEST_HOST" default:"localhost"`
	Port    int           `env:"TEST_PORT" default:"8080"`
	Enabled bool          `env:"TEST_ENABLED" default:"true"`
	Timeout time.Duration `env:"TEST_TIMEOUT" default:"30s"`
	Ratio   float64       `env:"TEST_RATIO" default:"0.1"`
	NoDef   string        `env:"TEST_NO_DEF"`
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_HOST", "example.com")
	t.Setenv("TEST_PORT", "9090")
	t.Setenv("TEST_ENABLED", "false")
	t.Setenv("TEST_TIMEOUT", "1m30s")
	t.Setenv("TEST_NO_DEF", "foo")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "foo", cfg.NoDef)
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"TEST_HOST", "TEST_PORT", "TEST_ENABLED", "TEST_TIMEOUT", "TEST_RATIO", "TEST_NO_DEF"} {
		os.Unsetenv(key)
	}

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 0.1, cfg.Ratio)
	assert.Empty(t, cfg.NoDef)
}

func TestLoad_EmptyValueFallsBackToDefault(t *testing.T) {
	t.Setenv("TEST_PORT", "")

	var cfg testConfig
	require.NoError(t, Load(&cfg))
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("TEST_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "TEST_PORT", invalid.EnvVar)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var s string
	assert.Error(t, Load(s))
	assert.Error(t, Load(&s))
}

type validatedNested struct {
	Level string `env:"TEST_LEVEL" default:"info"`
}

func (v *validatedNested) Validate() error {
	if v.Level != "debug" && v.Level != "info" && v.Level != "warn" {
		return assert.AnError
	}
	return nil
}

func TestLoad_NestedValidation(t *testing.T) {
	os.Unsetenv("TEST_LEVEL")

	type root struct {
		Nested validatedNested
	}

	var cfg root
	require.NoError(t, Load(&cfg))
	assert.Equal(t, "info", cfg.Nested.Level)

	t.Setenv("TEST_LEVEL", "shouting")
	var bad root
	assert.Error(t, Load(&bad))
}
