package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"binance-grid-trader-go/internal/models"
)

func TestComposeEmptyIsNeutral(t *testing.T) {
	adj := Compose(nil, "BTCUSDT", models.Buy)
	assert.Equal(t, 1.0, adj.Multiplier)
	assert.Zero(t, adj.Bias)
	assert.True(t, adj.Allow)
}

func TestComposeMultipliersMultiply(t *testing.T) {
	providers := []Provider{
		Static{ProviderName: "volatility", Output: Adjustment{Multiplier: 2.0, Allow: true}},
		Static{ProviderName: "regime", Output: Adjustment{Multiplier: 0.5, Allow: true}},
		Static{ProviderName: "trend", Output: Adjustment{Multiplier: 1.5, Allow: true}},
	}
	adj := Compose(providers, "BTCUSDT", models.Buy)
	assert.InDelta(t, 1.5, adj.Multiplier, 1e-9)
	assert.True(t, adj.Allow)
}

func TestComposeNonPositiveMultiplierIgnored(t *testing.T) {
	providers := []Provider{
		Static{Output: Adjustment{Multiplier: 0, Allow: true}},
		Static{Output: Adjustment{Multiplier: -3, Allow: true}},
		Static{Output: Adjustment{Multiplier: 2, Allow: true}},
	}
	adj := Compose(providers, "BTCUSDT", models.Sell)
	assert.InDelta(t, 2.0, adj.Multiplier, 1e-9)
}

func TestComposeStrongestBiasWins(t *testing.T) {
	providers := []Provider{
		Static{Output: Adjustment{Multiplier: 1, Bias: 0.2, Allow: true}},
		Static{Output: Adjustment{Multiplier: 1, Bias: -0.6, Allow: true}},
		Static{Output: Adjustment{Multiplier: 1, Bias: 0.4, Allow: true}},
	}
	adj := Compose(providers, "BTCUSDT", models.Buy)
	assert.Equal(t, -0.6, adj.Bias, "magnitude decides, sign is kept")
}

func TestComposeAnyVetoBlocks(t *testing.T) {
	providers := []Provider{
		Static{Output: Adjustment{Multiplier: 1, Allow: true}},
		Static{ProviderName: "risk", Output: Adjustment{Multiplier: 1, Allow: false}},
		Static{Output: Adjustment{Multiplier: 1, Allow: true}},
	}
	adj := Compose(providers, "BTCUSDT", models.Buy)
	assert.False(t, adj.Allow)
}

func TestStaticName(t *testing.T) {
	assert.Equal(t, "static", Static{}.Name())
	assert.Equal(t, "trend", Static{ProviderName: "trend"}.Name())
}
