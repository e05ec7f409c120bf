package config_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/botmeter/pkg/config"
)

type reconcileConfig struct {
	Interval time.Duration `env:"LOADER_RECONCILE_INTERVAL" envDefault:"15m"`
	Batch    int           `env:"LOADER_RECONCILE_BATCH" envDefault:"100"`
	Cron     string        `env:"LOADER_RECONCILE_CRON"`
}

type auditConfig struct {
	Buffer int  `env:"LOADER_AUDIT_BUFFER" envDefault:"1000"`
	Async  bool `env:"LOADER_AUDIT_ASYNC" envDefault:"true"`
}

type cachedConfig struct {
	Prefix string `env:"LOADER_COUNTER_PREFIX" envDefault:"botmeter:usage"`
}

type secretConfig struct {
	WebhookSecret string `env:"LOADER_WEBHOOK_SECRET,required"`
}

func TestLoad(t *testing.T) {
	t.Setenv("LOADER_RECONCILE_INTERVAL", "5m")
	t.Setenv("LOADER_RECONCILE_CRON", "*/10 * * * *")

	var cfg reconcileConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 100, cfg.Batch, "default applies")
	assert.Equal(t, "*/10 * * * *", cfg.Cron)
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnv(t, "LOADER_AUDIT_BUFFER", "LOADER_AUDIT_ASYNC")

	var cfg auditConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, auditConfig{Buffer: 1000, Async: true}, cfg)
}

func TestLoad_MissingRequired(t *testing.T) {
	unsetEnv(t, "LOADER_WEBHOOK_SECRET")

	var cfg secretConfig
	assert.ErrorIs(t, config.Load(&cfg), config.ErrParsingConfig)
}

func TestLoad_CachedPerType(t *testing.T) {
	t.Setenv("LOADER_COUNTER_PREFIX", "first")

	var first cachedConfig
	require.NoError(t, config.Load(&first))

	t.Setenv("LOADER_COUNTER_PREFIX", "second")

	var wg sync.WaitGroup
	results := make([]cachedConfig, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, config.Load(&results[i]))
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, "first", r.Prefix)
	}
}

func TestLoad_NilPointer(t *testing.T) {
	var cfg *reconcileConfig
	assert.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
	assert.ErrorIs(t, config.ForceReload(cfg), config.ErrNilPointer)
}

func TestLoad_ReadsDefaultEnvFile(t *testing.T) {
	// The default .env is read once per process, so this only checks the
	// call does not fail when the file is absent.
	_, err := os.Stat(".env")
	require.ErrorIs(t, err, os.ErrNotExist)

	var cfg auditConfig
	assert.NoError(t, config.Load(&cfg))
}
