package signal

import "binance-grid-trader-go/internal/models"

// Adjustment is the composable output of one signal provider. The grid
// machine multiplies Multiplier into the order spacing and honors Allow as a
// hard gate on the given side. Providers are advisory only; they are never a
// source of truth for order state.
type Adjustment struct {
	Multiplier float64
	Bias       float64
	Allow      bool
}

// Provider is the pull-style contract implemented by the external signal
// calculators (volatility sizing, trend filter, regime, sentiment, ...).
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Adjust(symbol string, side models.Side) Adjustment
}

// Static is a fixed-output provider used for wiring and tests.
type Static struct {
	ProviderName string
	Output       Adjustment
}

func (s Static) Name() string {
	if s.ProviderName != "" {
		return s.ProviderName
	}
	return "static"
}

func (s Static) Adjust(string, models.Side) Adjustment {
	return s.Output
}

// Neutral returns an adjustment that changes nothing.
func Neutral() Adjustment {
	return Adjustment{Multiplier: 1.0, Allow: true}
}

// Compose folds a provider list into one effective adjustment: multipliers
// multiply, the strongest bias wins, and any provider can veto the side.
func Compose(providers []Provider, symbol string, side models.Side) Adjustment {
	out := Neutral()
	for _, p := range providers {
		adj := p.Adjust(symbol, side)
		if adj.Multiplier > 0 {
			out.Multiplier *= adj.Multiplier
		}
		if absf(adj.Bias) > absf(out.Bias) {
			out.Bias = adj.Bias
		}
		if !adj.Allow {
			out.Allow = false
		}
	}
	return out
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
