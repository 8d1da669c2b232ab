package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "STORE_BACKEND", "OVERDRAFT_LIMITS", "JWT_ACCESS_TTL", "DEV_AUTH"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 15*time.Minute, cfg.JWTAccessTTL)
	assert.False(t, cfg.DevAuth)
	assert.Empty(t, cfg.OverdraftLimits)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("OVERDRAFT_LIMITS", "business=500.00, checking=25")
	t.Setenv("DEV_AUTH", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.True(t, cfg.DevAuth)
	assert.Equal(t, domain.Money(50000), cfg.OverdraftLimits[domain.AccountBusiness])
	assert.Equal(t, domain.Money(2500), cfg.OverdraftLimits[domain.AccountChecking])
}

func TestLoad_PostgresNeedsURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseOverdraftLimits_Invalid(t *testing.T) {
	for _, in := range []string{"business", "gold=10", "business=abc", "business=-5", "business=1.001"} {
		_, err := ParseOverdraftLimits(in)
		assert.Error(t, err, in)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_TEST_A=from-file\nLEDGER_TEST_B=from-file\n"), 0o600))

	t.Setenv("LEDGER_TEST_A", "from-env")
	os.Unsetenv("LEDGER_TEST_B")
	t.Cleanup(func() { os.Unsetenv("LEDGER_TEST_B") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("LEDGER_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("LEDGER_TEST_B"))
}
