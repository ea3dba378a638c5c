package circuitbreaker

import "fmt"

// Execute runs fn through the breaker: rejected immediately with
// ErrCircuitOpen when the circuit is open, otherwise the outcome of fn is
// recorded. Used to guard the mail sender and each push-service audience
// so a dead downstream fails fast instead of stalling a fan-out.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}
