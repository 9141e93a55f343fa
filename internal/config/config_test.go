package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		GatewayAPIKey:       "sk_test_abc",
		WalletWebhookSecret: "whsec_wallet",
		OrderWebhookSecret:  "whsec_order",
		GatewayTimeout:      DefaultGatewayTimeout,
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_MissingSecrets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no api key", func(c *Config) { c.GatewayAPIKey = "" }},
		{"no wallet secret", func(c *Config) { c.WalletWebhookSecret = "" }},
		{"no order secret", func(c *Config) { c.OrderWebhookSecret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_SecretsMustDiffer(t *testing.T) {
	cfg := validConfig()
	cfg.OrderWebhookSecret = cfg.WalletWebhookSecret
	assert.Error(t, cfg.Validate(), "wallet and order flows must not share a signing secret")
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_env")
	t.Setenv("WALLET_WEBHOOK_SECRET", "whsec_w")
	t.Setenv("ORDER_WEBHOOK_SECRET", "whsec_o")
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sk_test_env", cfg.GatewayAPIKey)
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
}

func TestLoad_FailsWithoutSecrets(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("WALLET_WEBHOOK_SECRET", "")
	t.Setenv("ORDER_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err, "missing secrets are a startup-time failure")
}

func TestEnvModeHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
