package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface for the order-placement middleware.
//
// PlaceOrder is synchronous: implementations block until the order reaches a
// terminal state (COMPLETE/REJECTED/CANCELLED) or the polling deadline
// passes, and report non-fills through OrderResult.Success rather than an
// error. Errors are reserved for transport and authentication failures.
type Broker interface {
	// Order placement
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// Market data
	GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error)
	GetLTP(ctx context.Context, symbol, exchange string) (float64, error)

	// Triggers and discovery
	PlaceGTT(ctx context.Context, req GTTRequest) (int64, error)
	ListInstruments(ctx context.Context, exchange string) ([]Instrument, error)
}

// isPermanentAPIError checks if an error is a permanent API error (4xx other
// than 429) that retrying cannot fix.
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// dead middleware fails fast instead of eating the dispatcher's tick budget.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A rejected order is a completed round-trip; only transport and
			// 5xx failures should count against the breaker.
			return err == nil || isPermanentAPIError(err)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, symbol, exchange)
	})
}

// GetLTP wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetLTP(ctx context.Context, symbol, exchange string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetLTP(ctx, symbol, exchange)
	})
}

// PlaceGTT wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceGTT(ctx context.Context, req GTTRequest) (int64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (int64, error) {
		return b.PlaceGTT(ctx, req)
	})
}

// ListInstruments wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ListInstruments(ctx context.Context, exchange string) ([]Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Instrument, error) {
		return b.ListInstruments(ctx, exchange)
	})
}
