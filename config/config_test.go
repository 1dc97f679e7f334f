package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
ledger:
  currency: USD
  cadence_unit: week
  cadence_interval: 2
  default_threshold_days: 45
alerts:
  collection_rate_warning_below: 0.9
  lookback: 720h
scheduler:
  interval: 10m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "untouched fields keep defaults")
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)

	b := cfg.Billing()
	assert.Equal(t, "USD", b.Currency)
	assert.Equal(t, ledger.Cadence{Unit: ledger.CadenceWeek, Interval: 2}, b.Cadence)
	assert.Equal(t, 45, b.DefaultThresholdDays)
	assert.Equal(t, ledger.ReceiptTuitionFee, b.ReceiptType)
	assert.Equal(t, "0.9", b.AlertPolicy.CollectionRateWarningBelow.String())
	assert.Equal(t, "60", b.AlertPolicy.AttendanceCriticalBelow.String())
	assert.Equal(t, 720*time.Hour, b.AlertLookback)
}

func TestLoad_ShippedExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "ledger.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ledger.MonthlyCadence, cfg.Billing().Cadence)
	assert.False(t, cfg.Stripe.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_StripeSecretsFromEnv(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_env")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_env")
	path := writeConfig(t, "stripe:\n  enabled: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_env", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad cadence", func(c *Config) { c.Ledger.CadenceUnit = "fortnight" }, "cadence"},
		{"bad receipt type", func(c *Config) { c.Ledger.ReceiptType = "gift" }, "receipt_type"},
		{"bad currency", func(c *Config) { c.Ledger.Currency = "rupees" }, "currency"},
		{"stripe without key", func(c *Config) { c.Stripe.Enabled = true }, "stripe.secret_key"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka.brokers"},
		{"warning after critical", func(c *Config) { c.Alerts.OverdueWarningDays = 40 }, "overdue_warning_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestResolvePath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/ledger.yaml")
	assert.Equal(t, "flag.yaml", ResolvePath("flag.yaml"))
	assert.Equal(t, "/etc/ledger.yaml", ResolvePath(""))
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
}
