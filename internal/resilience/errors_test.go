package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"binance-grid-trader-go/internal/models"
)

func TestClassifyCategories(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"rate limit message", errors.New("Too many requests queued"), CategoryRateLimit, true},
		{"rate limit code", &models.APIError{Code: -1003, Msg: "Way too many requests."}, CategoryRateLimit, true},
		{"weight header", errors.New("request weight exceeded"), CategoryRateLimit, true},
		{"bad api key", &models.APIError{Code: -2015, Msg: "Invalid API-key, IP, or permissions."}, CategoryAuthentication, false},
		{"bad signature", &models.APIError{Code: -1022, Msg: "Signature for this request is not valid."}, CategoryAuthentication, false},
		{"insufficient margin", &models.APIError{Code: -2019, Msg: "Margin is insufficient."}, CategoryInsufficientFunds, false},
		{"min notional", &models.APIError{Code: -1013, Msg: "Filter failure: MIN_NOTIONAL"}, CategoryInvalidOrder, false},
		{"lot size", &models.APIError{Code: -4164, Msg: "Order's notional must be no smaller than 5 (unless you choose reduce only)."}, CategoryInvalidOrder, false},
		{"sqlite failure", errors.New("sqlite: database is locked"), CategoryStorage, true},
		{"badger failure", errors.New("badger: value log truncated"), CategoryStorage, true},
		{"timeout", errors.New("dial tcp 1.2.3.4: i/o timeout"), CategoryNetwork, true},
		{"connection reset", errors.New("read: connection reset by peer"), CategoryNetwork, true},
		{"unknown", errors.New("something odd happened"), CategoryUnknown, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.err)
			assert.Equal(t, tc.category, c.Category)
			assert.Equal(t, tc.retryable, c.Retryable)
		})
	}
}

func TestClassifySeverities(t *testing.T) {
	auth := Classify(&models.APIError{Code: -2014, Msg: "API-key format invalid."})
	assert.Equal(t, SeverityCritical, auth.Severity)

	funds := Classify(&models.APIError{Code: -2019, Msg: "Margin is insufficient."})
	assert.Equal(t, SeverityLow, funds.Severity)

	storage := Classify(errors.New("constraint failed: UNIQUE"))
	assert.Equal(t, SeverityHigh, storage.Severity)
}

func TestClassifyWrappedErrors(t *testing.T) {
	inner := &models.APIError{Code: -2019, Msg: "Margin is insufficient."}
	wrapped := fmt.Errorf("create order: %w", inner)
	c := Classify(wrapped)
	assert.Equal(t, CategoryInsufficientFunds, c.Category)
	assert.False(t, c.Retryable)
}

func TestClassifyCircuitOpenIsNotRetryable(t *testing.T) {
	c := Classify(fmt.Errorf("call failed: %w", ErrCircuitOpen))
	assert.False(t, c.Retryable)
}

func TestIsBusinessRejection(t *testing.T) {
	assert.True(t, IsBusinessRejection(&models.APIError{Code: -2019, Msg: "Margin is insufficient."}))
	assert.True(t, IsBusinessRejection(&models.APIError{Code: -1013, Msg: "Filter failure: LOT_SIZE"}))
	assert.False(t, IsBusinessRejection(errors.New("connection refused")))
	assert.False(t, IsBusinessRejection(&models.APIError{Code: -2015, Msg: "Invalid API-key."}))
}
