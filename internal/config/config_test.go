package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 24*time.Hour, cfg.StaleAfter)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ELICIT_DB_DRIVER", "postgres")
	t.Setenv("ELICIT_STALE_AFTER", "2h")
	t.Setenv("ELICIT_TASK_SHARDS", "3")
	t.Setenv("ELICIT_CORS_ORIGINS", "https://a.example, ,https://b.example")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 2*time.Hour, cfg.StaleAfter)
	assert.Equal(t, 3, cfg.TaskShards)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ELICIT_TASK_SHARDS", "many")
	t.Setenv("ELICIT_STALE_AFTER", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ELICIT_TASK_SHARDS")
	assert.Contains(t, err.Error(), "ELICIT_STALE_AFTER")
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ELICIT_ADDR", ":9000")
	cfg, err := Load()
	require.NoError(t, err)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--addr", ":7000", "--db-driver", "memory"}))
	assert.Equal(t, ":7000", cfg.Addr)
	assert.True(t, cfg.MemoryStore())
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.DedupRetention = bad.StaleAfter
	assert.ErrorContains(t, bad.Validate(), "dedup retention")

	bad = *cfg
	bad.DBDriver = "mysql"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Env = "production"
	assert.ErrorContains(t, bad.Validate(), "JWT")

	bad.JWTSecret = "s3cret"
	assert.NoError(t, bad.Validate())
	bad.DBDriver = "memory"
	assert.ErrorContains(t, bad.Validate(), "memory db driver")
	bad.Env = "development"
	assert.NoError(t, bad.Validate())
}
