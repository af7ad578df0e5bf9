package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
database:
  url: "${TEST_DATABASE_URL}"
exchange:
  api_key: "key-123"
  api_secret: "secret-456"
  passphrase: "pp-789"
  websocket_api_url: "wss://example.test/market"
  user_websocket_api_url: "wss://example.test/user"
  requests_per_second: 8
trading:
  hard_stop_pct: 0.05
  max_loss_pct: 0.02
`

func TestLoadExpandsEnvAndValidates(t *testing.T) {
	t.Setenv("TEST_DATABASE_URL", "postgres://u:p@localhost:5432/spotbot?sslmode=disable")

	dir := t.TempDir()
	path := filepath.Join(dir, "spotbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/spotbot?sslmode=disable", cfg.Database.DSN())
	assert.Equal(t, Secret("key-123"), cfg.Exchange.APIKey)
	assert.Equal(t, "***", cfg.Exchange.APIKey.String())
	assert.Equal(t, 50, cfg.Trading.MinRequiredRows, "default should survive partial override")
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Trading.HardStopPct = 0.01
	cfg.Trading.MaxLossPct = 0.02

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.Contains(t, err.Error(), "hard_stop_pct must exceed max_loss_pct")
}

func TestHodlSetUppercases(t *testing.T) {
	cfg := Default()
	cfg.Trading.HODL = []string{"btc", "ETH"}
	set := cfg.HodlSet()
	_, hasBTC := set["BTC"]
	_, hasETH := set["ETH"]
	assert.True(t, hasBTC)
	assert.True(t, hasETH)
}
