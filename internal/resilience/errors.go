package resilience

import (
	"errors"
	"strings"

	"binance-grid-trader-go/internal/models"
)

// Category identifies the broad class of a failure.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryRateLimit         Category = "rate_limit"
	CategoryAuthentication    Category = "authentication"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryInvalidOrder      Category = "invalid_order"
	CategoryStorage           Category = "storage"
	CategoryUnknown           Category = "unknown"
)

// Severity ranks how loudly a failure should be reported.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classification is the result of classifying an error.
type Classification struct {
	Category  Category
	Severity  Severity
	Retryable bool
}

// patterns maps lowercase message fragments to categories. Exchange error
// codes arrive as *models.APIError and are matched on their message text the
// same way the raw transport errors are.
var patterns = []struct {
	fragments []string
	category  Category
}{
	{[]string{"rate limit", "too many requests", "-1003", "429", "418", "request weight"}, CategoryRateLimit},
	{[]string{"api-key", "signature", "unauthorized", "permission", "-2014", "-2015", "401"}, CategoryAuthentication},
	{[]string{"insufficient", "margin is insufficient", "balance", "-2019", "-4046"}, CategoryInsufficientFunds},
	{[]string{"min_notional", "notional", "lot_size", "price_filter", "percent_price", "immediately trigger", "-1013", "-4164", "invalid order"}, CategoryInvalidOrder},
	{[]string{"database", "sqlite", "badger", "constraint", "disk"}, CategoryStorage},
	{[]string{"timeout", "connection", "refused", "reset", "eof", "broken pipe", "no such host", "network", "tls", "dial"}, CategoryNetwork},
}

// Classify inspects an error and returns its category, severity and whether
// retrying the failed call can help. Authentication and invalid-order
// failures are never retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow, Retryable: false}
	}
	if errors.Is(err, ErrCircuitOpen) {
		// Retrying against an open breaker just burns the attempt budget; the
		// breaker itself decides when calls may flow again.
		return Classification{Category: CategoryNetwork, Severity: SeverityMedium, Retryable: false}
	}

	msg := strings.ToLower(err.Error())
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		msg = strings.ToLower(apiErr.Error())
	}

	category := CategoryUnknown
	for _, p := range patterns {
		for _, f := range p.fragments {
			if strings.Contains(msg, f) {
				category = p.category
				break
			}
		}
		if category != CategoryUnknown {
			break
		}
	}

	switch category {
	case CategoryAuthentication:
		return Classification{category, SeverityCritical, false}
	case CategoryInvalidOrder:
		return Classification{category, SeverityLow, false}
	case CategoryInsufficientFunds:
		// Expected during normal grid operation as price moves. Not retried:
		// the balance will not change between attempts.
		return Classification{category, SeverityLow, false}
	case CategoryRateLimit:
		return Classification{category, SeverityMedium, true}
	case CategoryStorage:
		return Classification{category, SeverityHigh, true}
	case CategoryNetwork:
		return Classification{category, SeverityMedium, true}
	default:
		return Classification{CategoryUnknown, SeverityMedium, true}
	}
}

// IsBusinessRejection reports whether the error is an expected business
// rejection (insufficient funds, invalid order) that should be logged at low
// severity and swallowed rather than escalated.
func IsBusinessRejection(err error) bool {
	c := Classify(err)
	return c.Category == CategoryInsufficientFunds || c.Category == CategoryInvalidOrder
}
