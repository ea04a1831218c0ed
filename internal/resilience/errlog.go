package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notifier is the external notification sink. Delivery is fire-and-forget; a
// failed notification must never block or fail trading logic.
type Notifier interface {
	Notify(severity, message string, context map[string]string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string, map[string]string) {}

// ErrorLogger logs classified errors at a severity-appropriate level and
// forwards critical ones to the notification sink.
type ErrorLogger struct {
	logger   *zap.Logger
	notifier Notifier
}

// NewErrorLogger creates an ErrorLogger. A nil notifier disables
// notifications.
func NewErrorLogger(logger *zap.Logger, notifier Notifier) *ErrorLogger {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ErrorLogger{logger: logger, notifier: notifier}
}

// Report classifies and logs err with the given operation context.
func (el *ErrorLogger) Report(op string, err error, fields ...zap.Field) Classification {
	c := Classify(err)
	fields = append(fields,
		zap.String("op", op),
		zap.String("category", string(c.Category)),
		zap.String("severity", c.Severity.String()),
		zap.Error(err),
	)

	switch c.Severity {
	case SeverityLow:
		el.logger.Debug("operation rejected", fields...)
	case SeverityMedium:
		el.logger.Warn("operation failed", fields...)
	case SeverityHigh:
		el.logger.Error("operation failed", fields...)
	case SeverityCritical:
		el.logger.Error("critical failure", fields...)
		// Notify on a detached goroutine so a slow sink cannot stall the
		// caller's serialized path.
		go func() {
			ctx := map[string]string{
				"op":       op,
				"category": string(c.Category),
				"time":     time.Now().Format(time.RFC3339),
			}
			el.notifier.Notify(c.Severity.String(), err.Error(), ctx)
		}()
	}
	return c
}

// Session bundles the retry policy, breaker and error logger for one
// exchange credential/session. Every component that talks to the exchange
// receives the session instance instead of constructing its own loop.
type Session struct {
	Policy  Policy
	Breaker *Breaker
	Errors  *ErrorLogger
	logger  *zap.Logger
}

// NewSession wires a resilience session.
func NewSession(p Policy, b *Breaker, el *ErrorLogger, logger *zap.Logger) *Session {
	return &Session{Policy: p, Breaker: b, Errors: el, logger: logger}
}

// Call runs op through breaker and retry. This is the single point where
// retry and circuit-breaker decisions are made; callers treat the result as
// either success or final failure.
func (s *Session) Call(ctx context.Context, name string, op func() error) error {
	err := Retry(ctx, s.logger, name, s.Policy, func() error {
		return s.Breaker.Do(op)
	})
	if err != nil {
		s.Errors.Report(name, err)
	}
	return err
}
