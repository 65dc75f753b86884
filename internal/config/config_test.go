package config

import (
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "0.18", c.TaxRate.String())
	assert.Equal(t, "3.75", c.ExchangeRate.String())
	assert.Equal(t, money.PEN, c.BaseCurrency)
	assert.Equal(t, 15*time.Minute, c.ReservationTTL)
	assert.Equal(t, "F001", c.IssuerConfig().SeriesFactura)

	_, err = money.NewEngine(c.MoneyConfig())
	assert.NoError(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("EXCHANGE_RATE", "3.80")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("POLL_MAX_ATTEMPTS", "10")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.KafkaBrokers)
	assert.Equal(t, "3.8", c.ExchangeRate.String())
	ic := c.IssuerConfig()
	assert.Equal(t, 2*time.Second, ic.PollInterval)
	assert.Equal(t, 10, ic.PollMaxAttempts)
}

func TestLoad_ReportsBadValues(t *testing.T) {
	t.Setenv("TAX_RATE", "abc")
	t.Setenv("SWEEP_TICK", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAX_RATE")
	assert.Contains(t, err.Error(), "SWEEP_TICK")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero exchange rate", map[string]string{"EXCHANGE_RATE": "0"}, "EXCHANGE_RATE"},
		{"negative tax", map[string]string{"TAX_RATE": "-0.01"}, "TAX_RATE"},
		{"unknown currency", map[string]string{"BASE_CURRENCY": "eur"}, "BASE_CURRENCY"},
		{"short ruc", map[string]string{"COMPANY_RUC": "2010"}, "COMPANY_RUC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			c, err := Load()
			require.NoError(t, err)
			err = c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
